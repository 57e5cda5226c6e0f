// Package agpmerr defines the tagged error kinds shared across the
// resolver and installer core. Each concrete error type below corresponds
// to one of the kinds enumerated in the specification; they are never
// merged with unrelated kinds, so a caller can always type-assert back to
// the specific struct to recover the fields that explain the failure.
package agpmerr

import "fmt"

// Kind identifies one of the tagged error categories the core can raise.
type Kind string

const (
	KindManifestInvalid         Kind = "ManifestInvalid"
	KindUnknownSource            Kind = "UnknownSource"
	KindUnknownPatchAlias        Kind = "UnknownPatchAlias"
	KindPatchFieldConflict       Kind = "PatchFieldConflict"
	KindGitFetchFailed           Kind = "GitFetchFailed"
	KindGitRefNotFound           Kind = "GitRefNotFound"
	KindGitWorktreeFailed        Kind = "GitWorktreeFailed"
	KindUnsatisfiableConstraint  Kind = "UnsatisfiableConstraint"
	KindIncompatibleVersions     Kind = "IncompatibleVersions"
	KindCyclicDependency         Kind = "CyclicDependency"
	KindTemplateRenderFailed     Kind = "TemplateRenderFailed"
	KindUndefinedVariable        Kind = "UndefinedVariable"
	KindContentFilterForbidden   Kind = "ContentFilterForbidden"
	KindContentFilterTooLarge    Kind = "ContentFilterTooLarge"
	KindDuplicateInstallLocation Kind = "DuplicateInstallLocation"
	KindMergeEntryConflict       Kind = "MergeEntryConflict"
	KindChecksumMismatch         Kind = "ChecksumMismatch"
	KindLockfileStale            Kind = "LockfileStale"
	KindOffline                  Kind = "Offline"
	KindIoFailure                Kind = "IoFailure"
)

// Tagged is implemented by every error type in this package (and by the
// kind-specific error types defined alongside the components that raise
// them) so that aggregation code can sort and group failures by kind
// without re-parsing error strings.
type Tagged interface {
	error
	ErrorKind() Kind
}

// Offline is raised by the git cache when a network operation is required
// but offline mode was selected by the caller.
type Offline struct {
	URL string
}

func (e *Offline) Error() string {
	return fmt.Sprintf("offline mode: cannot reach %s", e.URL)
}

func (e *Offline) ErrorKind() Kind { return KindOffline }

// IoFailure wraps an underlying filesystem error with the path it
// concerns, so diagnostics always have something a user can act on.
type IoFailure struct {
	Path string
	Err  error
}

func (e *IoFailure) Error() string {
	return fmt.Sprintf("io failure at %s: %v", e.Path, e.Err)
}

func (e *IoFailure) ErrorKind() Kind { return KindIoFailure }

func (e *IoFailure) Unwrap() error { return e.Err }
