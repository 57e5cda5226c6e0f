package gps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Kinds(t *testing.T) {
	cases := map[string]func(VersionSpec){
		"":        func(v VersionSpec) { assert.True(t, v.NeedsTagListing()) },
		"latest":  func(v VersionSpec) { assert.True(t, v.NeedsTagListing()) },
		"*":       func(v VersionSpec) { assert.True(t, v.NeedsTagListing()) },
		"v1.2.3":  func(v VersionSpec) { assert.True(t, v.NeedsTagListing()) },
		"^1.2.0":  func(v VersionSpec) { assert.True(t, v.NeedsTagListing()) },
		"~1.2.0":  func(v VersionSpec) { assert.True(t, v.NeedsTagListing()) },
		">=1.0.0": func(v VersionSpec) { assert.True(t, v.NeedsTagListing()) },
		"main":    func(v VersionSpec) { assert.True(t, v.IsBranch()) },
		"abcdef1": func(v VersionSpec) { assert.True(t, v.IsSHA()) },
	}

	for raw, check := range cases {
		v, err := Parse(raw)
		require.NoError(t, err, raw)
		check(v)
	}
}

func TestSelect_CaretRange(t *testing.T) {
	v, err := Parse("^1.2.0")
	require.NoError(t, err)

	best, err := v.Select([]string{"1.0.0", "1.2.0", "1.5.0", "2.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", best)
}

func TestSelect_Latest_PrefersStable(t *testing.T) {
	v, err := Parse("latest")
	require.NoError(t, err)

	best, err := v.Select([]string{"1.0.0", "2.0.0-rc.1", "1.5.0"})
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", best)
}

func TestSelect_Latest_FallsBackToPrerelease(t *testing.T) {
	v, err := Parse("*")
	require.NoError(t, err)

	best, err := v.Select([]string{"2.0.0-rc.1", "2.0.0-rc.2"})
	require.NoError(t, err)
	assert.Equal(t, "2.0.0-rc.2", best)
}

func TestSelect_Unsatisfiable(t *testing.T) {
	v, err := Parse("^3.0.0")
	require.NoError(t, err)

	_, err = v.Select([]string{"1.0.0", "2.0.0"})
	require.Error(t, err)

	var unsat *UnsatisfiableConstraint
	require.ErrorAs(t, err, &unsat)
}

func TestUnify_Ranges_Intersect(t *testing.T) {
	a, err := Parse("^1.0.0")
	require.NoError(t, err)
	b, err := Parse("^1.2.0")
	require.NoError(t, err)

	u, err := Unify(a, b, []string{"1.0.0", "1.2.0", "1.5.0", "2.0.0"})
	require.NoError(t, err)

	best, err := u.Select([]string{"1.0.0", "1.2.0", "1.5.0", "2.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", best)
}

func TestUnify_Ranges_Incompatible(t *testing.T) {
	a, err := Parse("^1.0.0")
	require.NoError(t, err)
	b, err := Parse("^2.0.0")
	require.NoError(t, err)

	// The compound constraint "^1.0.0, ^2.0.0" would parse fine on its
	// own; Unify must catch that it matches none of the known tags and
	// report it as IncompatibleVersions right here, not later as a bare
	// UnsatisfiableConstraint out of some unrelated Select call.
	_, err = Unify(a, b, []string{"1.0.0", "1.2.0", "1.5.0", "2.0.0"})
	require.Error(t, err)

	var incompat *IncompatibleVersions
	require.ErrorAs(t, err, &incompat)
}

func TestUnify_SHAPrecedence(t *testing.T) {
	sha, err := Parse("abcdef1")
	require.NoError(t, err)
	branch, err := Parse("main")
	require.NoError(t, err)

	u, err := Unify(sha, branch, nil)
	require.NoError(t, err)
	assert.True(t, u.IsSHA())

	u, err = Unify(branch, sha, nil)
	require.NoError(t, err)
	assert.True(t, u.IsSHA())
}

func TestUnify_BranchMismatch(t *testing.T) {
	a, err := Parse("main")
	require.NoError(t, err)
	b, err := Parse("develop")
	require.NoError(t, err)

	_, err = Unify(a, b, nil)
	require.Error(t, err)

	var incompat *IncompatibleVersions
	require.ErrorAs(t, err, &incompat)
}

func TestUnify_LatestYieldsToSpecific(t *testing.T) {
	latest, err := Parse("latest")
	require.NoError(t, err)
	caret, err := Parse("^1.2.0")
	require.NoError(t, err)

	u, err := Unify(latest, caret, []string{"1.0.0", "1.2.0", "1.5.0"})
	require.NoError(t, err)
	assert.Equal(t, "^1.2.0", u.Raw())
}
