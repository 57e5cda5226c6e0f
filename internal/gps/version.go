// Package gps ("git package solver") is the resolver engine: version
// specifiers (C1), the dependency graph and its invariants (part of C7),
// the solver phases (C7), and the frontmatter/JSON metadata extractor
// (C5). It is named after the teacher's own internal solver package and
// plays the same role here: everything that needs to reason about
// versions, sources, and the shape of the dependency graph lives here,
// independent of how artifacts are eventually written to disk.
package gps

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	"github.com/aig787/agpm/internal/agpmerr"
)

// specKind tags which of the grammar's alternatives a VersionSpec holds.
// Kept unexported deliberately: like the teacher's Constraint interface,
// callers are meant to go through the exported constructors and Select,
// not pattern-match on the concrete type.
type specKind int

const (
	specExact specKind = iota
	specCaret
	specTilde
	specRange
	specLatest
	specBranch
	specSHA
)

// VersionSpec is a parsed version selector: an exact tag, a caret/tilde/
// comparator range, the latest/*/unspecified literal, a branch name, or a
// commit SHA. It is intentionally a closed, sealed-ish type (exported
// fields, but constructed only through Parse) rather than an interface
// hierarchy — the grammar in spec.md §6 is small and fixed, and a plain
// struct keeps Select and Unify straightforward switches instead of a
// zoo of single-method types.
type VersionSpec struct {
	kind       specKind
	raw        string
	constraint *semver.Constraints // set for specCaret, specTilde, specRange
	exact      *semver.Version     // set for specExact
}

var (
	shaPattern    = regexp.MustCompile(`^[0-9a-f]{7,40}$`)
	rangeOperator = regexp.MustCompile(`^(>=|<=|>|<|=)`)
)

// Parse interprets a dependency's version selector string per the
// grammar in spec.md §6. It never consults a repository; branch names
// and SHAs are recognised purely lexically, and resolved to a commit
// later by the caller via the source index / git cache (C3/C2).
func Parse(raw string) (VersionSpec, error) {
	s := strings.TrimSpace(raw)

	switch s {
	case "", "latest", "*":
		return VersionSpec{kind: specLatest, raw: s}, nil
	}

	if shaPattern.MatchString(s) {
		return VersionSpec{kind: specSHA, raw: s}, nil
	}

	switch {
	case strings.HasPrefix(s, "^"):
		c, err := semver.NewConstraint(s)
		if err != nil {
			return VersionSpec{}, errors.Wrapf(err, "invalid caret range %q", raw)
		}
		return VersionSpec{kind: specCaret, raw: s, constraint: c}, nil
	case strings.HasPrefix(s, "~"):
		c, err := semver.NewConstraint(s)
		if err != nil {
			return VersionSpec{}, errors.Wrapf(err, "invalid tilde range %q", raw)
		}
		return VersionSpec{kind: specTilde, raw: s, constraint: c}, nil
	case rangeOperator.MatchString(s):
		c, err := semver.NewConstraint(s)
		if err != nil {
			return VersionSpec{}, errors.Wrapf(err, "invalid comparator range %q", raw)
		}
		return VersionSpec{kind: specRange, raw: s, constraint: c}, nil
	}

	if v, err := semver.StrictNewVersion(strings.TrimPrefix(s, "v")); err == nil {
		return VersionSpec{kind: specExact, raw: s, exact: v}, nil
	}

	// Not a recognisable SemVer form and not a SHA: treat as a branch
	// name, per the grammar's BRANCH fallback.
	return VersionSpec{kind: specBranch, raw: s}, nil
}

// Raw returns the original string the spec was parsed from.
func (v VersionSpec) Raw() string { return v.raw }

// IsBranch reports whether the spec names a branch (no tag listing is
// needed to resolve it).
func (v VersionSpec) IsBranch() bool { return v.kind == specBranch }

// IsSHA reports whether the spec is a literal commit SHA (no tag listing
// is needed to resolve it).
func (v VersionSpec) IsSHA() bool { return v.kind == specSHA }

// NeedsTagListing reports whether Select must be called against the
// repository's tag set to resolve this spec (i.e. it is not a branch or
// SHA, which the resolver dereferences directly via C2/C3).
func (v VersionSpec) NeedsTagListing() bool {
	return !v.IsBranch() && !v.IsSHA()
}

// UnsatisfiableConstraint is raised when no candidate tag satisfies a
// VersionSpec.
type UnsatisfiableConstraint struct {
	Spec       string
	Candidates []string
}

func (e *UnsatisfiableConstraint) Error() string {
	return fmt.Sprintf("no tag satisfies %q (candidates: %s)", e.Spec, strings.Join(e.Candidates, ", "))
}

func (e *UnsatisfiableConstraint) ErrorKind() agpmerr.Kind { return agpmerr.KindUnsatisfiableConstraint }

// Select returns the highest tag in candidates satisfying v, under
// SemVer ordering with a leading "v" tolerated. latest/* select the
// highest stable (non-prerelease) tag unless every candidate is a
// prerelease. Ties between equally-satisfying tags are broken in favour
// of the lexicographically greatest original string.
func (v VersionSpec) Select(candidates []string) (string, error) {
	type tagged struct {
		raw string
		sv  *semver.Version
	}

	var parsed []tagged
	for _, c := range candidates {
		sv, err := semver.NewVersion(c)
		if err != nil {
			continue // non-semver tags never participate in range/latest selection
		}
		parsed = append(parsed, tagged{raw: c, sv: sv})
	}

	var matches []tagged
	switch v.kind {
	case specLatest:
		for _, t := range parsed {
			if t.sv.Prerelease() == "" {
				matches = append(matches, t)
			}
		}
		if len(matches) == 0 {
			// No stable tag exists; fall back to prereleases.
			matches = parsed
		}
	case specExact:
		for _, t := range parsed {
			if t.sv.Equal(v.exact) {
				matches = append(matches, t)
			}
		}
	case specCaret, specTilde, specRange:
		for _, t := range parsed {
			if v.constraint.Check(t.sv) {
				matches = append(matches, t)
			}
		}
	default:
		return "", errors.Errorf("Select called on a %v spec, which does not consult tags", v.kind)
	}

	if len(matches) == 0 {
		return "", errors.WithStack(&UnsatisfiableConstraint{Spec: v.raw, Candidates: candidates})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if c := matches[i].sv.Compare(matches[j].sv); c != 0 {
			return c > 0
		}
		return matches[i].raw > matches[j].raw
	})

	return matches[0].raw, nil
}

// IncompatibleVersions is raised when two constraints over the same
// artifact cannot be unified.
type IncompatibleVersions struct {
	Kind     string
	Path     string
	Existing string
	Incoming string
}

func (e *IncompatibleVersions) Error() string {
	return fmt.Sprintf("incompatible version constraints for %s %s: existing %q, incoming %q",
		e.Kind, e.Path, e.Existing, e.Incoming)
}

func (e *IncompatibleVersions) ErrorKind() agpmerr.Kind { return agpmerr.KindIncompatibleVersions }

// Unify combines two constraints over the same artifact. Precedence:
// commit SHA beats branch beats range/tag. If both are ranges, the
// intersection is what must be satisfied. A SHA (or branch) wins over a
// range/tag unconditionally: Unify does not check whether that commit
// lies within the other constraint's tag set, and no caller checks it
// either.
//
// candidateTags is the repository's known tag set, consulted only when
// both sides are ranges/tags/latest: Masterminds/semver happily builds
// an AND-compound constraint for two disjoint ranges (e.g. "^1.0.0,
// ^2.0.0") without erroring, so the intersection is checked against
// candidateTags here and reported as *IncompatibleVersions immediately
// if nothing could ever satisfy it, rather than surfacing later as a
// generic *UnsatisfiableConstraint out of an unrelated pinCommit call.
func Unify(a, b VersionSpec, candidateTags []string) (VersionSpec, error) {
	precedence := func(v VersionSpec) int {
		switch {
		case v.IsSHA():
			return 2
		case v.IsBranch():
			return 1
		default:
			return 0
		}
	}

	pa, pb := precedence(a), precedence(b)
	switch {
	case pa > pb:
		return a, nil
	case pb > pa:
		return b, nil
	}

	// Same precedence tier.
	if a.IsSHA() || a.IsBranch() {
		if a.raw != b.raw {
			return VersionSpec{}, errors.WithStack(&IncompatibleVersions{Existing: a.raw, Incoming: b.raw})
		}
		return a, nil
	}

	// Both are ranges/tags/latest: intersect.
	ca := a.asConstraint()
	cb := b.asConstraint()
	if ca == nil || cb == nil {
		// One side is "latest"/unspecified: the more specific side wins.
		if ca == nil {
			return b, nil
		}
		return a, nil
	}

	combinedRaw := fmt.Sprintf("%s, %s", a.raw, b.raw)
	intersection, err := semver.NewConstraint(combinedRaw)
	if err != nil {
		return VersionSpec{}, errors.WithStack(&IncompatibleVersions{Existing: a.raw, Incoming: b.raw})
	}
	unified := VersionSpec{kind: specRange, raw: combinedRaw, constraint: intersection}

	// The compound constraint above parses fine even when a and b never
	// overlap (e.g. "^1.0.0, ^2.0.0"); check it against real tags so that
	// disjoint ranges are reported here, as IncompatibleVersions, instead
	// of surfacing later as an UnsatisfiableConstraint out of pinCommit.
	if len(candidateTags) > 0 {
		if _, err := unified.Select(candidateTags); err != nil {
			return VersionSpec{}, errors.WithStack(&IncompatibleVersions{Existing: a.raw, Incoming: b.raw})
		}
	}
	return unified, nil
}

func (v VersionSpec) asConstraint() *semver.Constraints {
	switch v.kind {
	case specCaret, specTilde, specRange:
		return v.constraint
	case specExact:
		c, _ := semver.NewConstraint("=" + v.exact.String())
		return c
	default:
		return nil
	}
}

// String implements fmt.Stringer.
func (v VersionSpec) String() string { return v.raw }
