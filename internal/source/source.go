// Package source implements the source index (component C3): the map
// from a manifest-declared source name to its origin (a remote Git URL
// or a local filesystem directory), with conflict resolution between
// global configuration and the manifest, and credential redaction for
// anything that might reach a diagnostic.
package source

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/aig787/agpm/internal/agpmerr"
	"github.com/aig787/agpm/internal/diagnostics"
)

// Source is a named origin: either a remote Git URL or a local path.
// Names are unique within an Index and read-only for the duration of a
// run.
type Source struct {
	Name   string
	Origin string
}

var scpLikeOrigin = regexp.MustCompile(`^[\w.-]+@[\w.-]+:`)

// IsLocal reports whether Origin names a filesystem directory rather than
// a remote Git URL. Remote forms recognised: a scheme (https://, git://,
// ssh://, ...) and the scp-like shorthand (user@host:path).
func (s Source) IsLocal() bool {
	if s.Origin == "" {
		return false
	}
	if strings.HasPrefix(s.Origin, "/") || strings.HasPrefix(s.Origin, "./") || strings.HasPrefix(s.Origin, "../") {
		return true
	}
	if scpLikeOrigin.MatchString(s.Origin) {
		return false
	}
	u, err := url.Parse(s.Origin)
	if err != nil {
		return true
	}
	return u.Scheme == ""
}

// Redacted returns Origin with any embedded userinfo (user:token@host)
// masked, safe to place in an error message or log line.
func (s Source) Redacted() string {
	u, err := url.Parse(s.Origin)
	if err != nil || u.User == nil {
		return s.Origin
	}
	redacted := *u
	redacted.User = url.UserPassword("***", "***")
	return redacted.String()
}

// UnknownSource is raised when a dependency references a source name
// that has no entry in the index.
type UnknownSource struct {
	Name string
}

func (e *UnknownSource) Error() string {
	return fmt.Sprintf("unknown source %q", e.Name)
}

func (e *UnknownSource) ErrorKind() agpmerr.Kind { return agpmerr.KindUnknownSource }

// Index is the merged, read-only view of every named source available to
// a run: manifest [sources], global configuration, and any ambient
// credential overlay supplied by the (out-of-scope) global config store.
type Index struct {
	sources  map[string]Source
	warnings []string
}

// NewIndex merges manifest-declared sources with global ones. On a name
// collision the manifest entry wins and a warning is recorded, never a
// hard error — a project is always allowed to pin its own source URLs.
func NewIndex(manifestSources, globalSources map[string]string) *Index {
	idx := &Index{sources: make(map[string]Source, len(manifestSources)+len(globalSources))}

	for name, origin := range globalSources {
		idx.sources[name] = Source{Name: name, Origin: origin}
	}
	for name, origin := range manifestSources {
		if existing, ok := idx.sources[name]; ok && existing.Origin != origin {
			idx.warnings = append(idx.warnings, fmt.Sprintf(
				"source %q: manifest origin %q overrides global origin %q", name, origin, existing.Origin))
		}
		idx.sources[name] = Source{Name: name, Origin: origin}
	}

	sort.Strings(idx.warnings)
	return idx
}

// For resolves a declared source name to its Source, or an *UnknownSource
// error, which the resolver (component C7) returns to its caller as is.
func (idx *Index) For(name string) (Source, error) {
	s, ok := idx.sources[name]
	if !ok {
		return Source{}, errors.WithStack(&UnknownSource{Name: name})
	}
	return s, nil
}

// Warnings returns the recorded manifest/global conflict warnings, sorted
// for deterministic output.
func (idx *Index) Warnings() []string {
	return idx.warnings
}

// LogWarnings writes any recorded warnings to l. Called once at the start
// of a run so conflicts are visible without failing it.
func (idx *Index) LogWarnings(l *diagnostics.Logger) {
	for _, w := range idx.warnings {
		l.Warnf("%s", w)
	}
}
