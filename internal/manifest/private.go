package manifest

import (
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/aig787/agpm/internal/gps"
)

// PrivateOverlay is the parsed form of agpm.private.toml: the same
// [patch.<kind>.<name>] shape as the manifest's own [patch] tables, but
// carrying no dependency definitions of its own (spec.md §6).
type PrivateOverlay struct {
	Patch map[patchKey]map[string]interface{}
}

type rawPrivate struct {
	Patch map[string]map[string]map[string]any `toml:"patch"`
}

// ParsePrivate decodes agpm.private.toml. Unlike the manifest, alias
// validation against declared dependencies happens later, when the
// overlay is combined with a specific Manifest (ValidateAgainst), since
// the overlay is read independent of any one manifest.
func ParsePrivate(data []byte) (*PrivateOverlay, error) {
	var raw rawPrivate
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing agpm.private.toml")
	}

	overlay := &PrivateOverlay{Patch: make(map[patchKey]map[string]interface{})}
	for kindStr, byName := range raw.Patch {
		kind := gps.ResourceKind(kindStr)
		for name, fields := range byName {
			overlay.Patch[patchKey{Kind: kind, Name: name}] = fields
		}
	}
	return overlay, nil
}

// Fields returns the private-layer patch fields declared for (kind,
// name), if any.
func (p *PrivateOverlay) Fields(kind gps.ResourceKind, name string) (map[string]interface{}, bool) {
	fields, ok := p.Patch[patchKey{Kind: kind, Name: name}]
	return fields, ok
}

// ValidateAgainst ensures every patch alias in the overlay refers to a
// dependency the given manifest actually declares.
func (p *PrivateOverlay) ValidateAgainst(m *Manifest) error {
	for key := range p.Patch {
		if _, ok := m.Dependencies[key.Kind][key.Name]; !ok {
			return errors.WithStack(&UnknownPatchAlias{Kind: key.Kind, Name: key.Name})
		}
	}
	return nil
}
