// Package agpm is the root orchestration layer: it loads a project's
// agpm.toml/agpm.private.toml/agpm.lock, translates the manifest into
// resolver requests, and drives a resolve-then-install run. This is the
// package an external collaborator (a CLI front-end, or any other
// embedder) imports; every lower-level component (C1-C11) stays
// manifest-agnostic or resolver-agnostic so it can be tested in
// isolation, per internal/gps/solver.go's own note on why manifest
// translation lives outside the gps package.
package agpm

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/aig787/agpm/internal/agpmerr"
	"github.com/aig787/agpm/internal/lockfile"
	"github.com/aig787/agpm/internal/manifest"
)

// Project is a loaded AGPM project: its root directory plus whichever of
// the three on-disk files were present.
type Project struct {
	AbsRoot  string
	Manifest *manifest.Manifest
	Private  *manifest.PrivateOverlay // nil if agpm.private.toml is absent
	Lock     *lockfile.Lockfile       // nil if agpm.lock is absent
}

// LoadProject reads agpm.toml (required), agpm.private.toml (optional),
// and agpm.lock (optional) from dir, validating the private overlay
// against the manifest once both are available.
func LoadProject(dir string) (*Project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "resolving project directory")
	}

	mdata, err := os.ReadFile(filepath.Join(abs, manifest.FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WithStack(&agpmerr.IoFailure{
				Path: filepath.Join(abs, manifest.FileName), Err: err,
			})
		}
		return nil, errors.Wrap(err, "reading agpm.toml")
	}
	mf, err := manifest.Parse(mdata)
	if err != nil {
		return nil, err
	}

	p := &Project{AbsRoot: abs, Manifest: mf}

	pdata, err := os.ReadFile(filepath.Join(abs, manifest.PrivateFileName))
	switch {
	case err == nil:
		private, err := manifest.ParsePrivate(pdata)
		if err != nil {
			return nil, err
		}
		if err := private.ValidateAgainst(mf); err != nil {
			return nil, err
		}
		p.Private = private
	case os.IsNotExist(err):
		// No private overlay: every dependency's patch is project-only.
	default:
		return nil, errors.Wrap(err, "reading agpm.private.toml")
	}

	ldata, err := os.ReadFile(filepath.Join(abs, lockfile.FileName))
	switch {
	case err == nil:
		lock, err := lockfile.Unmarshal(ldata)
		if err != nil {
			return nil, err
		}
		p.Lock = lock
	case os.IsNotExist(err):
		// No lockfile yet: first run, or the project has never been ensured.
	default:
		return nil, errors.Wrap(err, "reading agpm.lock")
	}

	return p, nil
}

// LockPath returns the project's lockfile path, whether or not it exists
// yet.
func (p *Project) LockPath() string {
	return filepath.Join(p.AbsRoot, lockfile.FileName)
}
