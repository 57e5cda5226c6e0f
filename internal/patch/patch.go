// Package patch implements the patch engine (component C9): merging the
// project and private PatchLayers into a resource's frontmatter or
// top-level JSON before the installer writes it, per spec.md §4.9.
package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/aig787/agpm/internal/agpmerr"
	"github.com/aig787/agpm/internal/gps"
)

// PatchFieldConflict is raised when the project and private layers both
// set the same field for the same (kind, name).
type PatchFieldConflict struct {
	Kind  gps.ResourceKind
	Name  string
	Field string
}

func (e *PatchFieldConflict) Error() string {
	return fmt.Sprintf("patch conflict on %s %q field %q: set by both project and private layers", e.Kind, e.Name, e.Field)
}

func (e *PatchFieldConflict) ErrorKind() agpmerr.Kind { return agpmerr.KindPatchFieldConflict }

// Merge combines the project and private layers for one (kind, name)
// field-by-field. A field present in both layers is a hard error; the
// returned field list is sorted, matching the applied_patch_fields the
// resulting ResolvedArtifact records.
func Merge(kind gps.ResourceKind, name string, project, private map[string]interface{}) (map[string]interface{}, []string, error) {
	merged := make(map[string]interface{}, len(project)+len(private))
	for k, v := range project {
		merged[k] = v
	}
	for k, v := range private {
		if _, exists := project[k]; exists {
			return nil, nil, errors.WithStack(&PatchFieldConflict{Kind: kind, Name: name, Field: k})
		}
		merged[k] = v
	}

	fields := make([]string, 0, len(merged))
	for k := range merged {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return merged, fields, nil
}

// Apply rewrites data with fields overlaid, dispatching on the file
// extension implied by relPath: ".md" patches the YAML frontmatter block,
// ".json" patches the top-level JSON document. Any other suffix is
// returned unchanged, since only these two carry a patchable envelope
// (spec.md §4.9).
func Apply(relPath string, data []byte, fields map[string]interface{}) ([]byte, error) {
	if len(fields) == 0 {
		return data, nil
	}
	switch strings.ToLower(path.Ext(relPath)) {
	case ".md":
		return applyMarkdown(data, fields)
	case ".json":
		return applyJSON(data, fields)
	default:
		return data, nil
	}
}

func applyMarkdown(data []byte, fields map[string]interface{}) ([]byte, error) {
	const delim = "---\n"
	s := string(data)
	trimmed := strings.TrimPrefix(s, string(rune(0xFEFF)))
	if !strings.HasPrefix(trimmed, "---") {
		// No frontmatter block to patch into; leave the body untouched
		// rather than fabricating one spec.md doesn't ask for.
		return data, nil
	}

	afterOpen := strings.TrimPrefix(trimmed, "---")
	afterOpen = strings.TrimPrefix(afterOpen, "\r\n")
	afterOpen = strings.TrimPrefix(afterOpen, "\n")

	end := strings.Index(afterOpen, "\n---")
	if end < 0 {
		return data, nil
	}
	fm := afterOpen[:end]
	rest := afterOpen[end+len("\n---"):]
	rest = strings.TrimPrefix(rest, "\r\n")
	rest = strings.TrimPrefix(rest, "\n")

	var doc map[string]interface{}
	if err := yaml.Unmarshal([]byte(fm), &doc); err != nil {
		return nil, errors.Wrap(err, "parsing frontmatter for patching")
	}
	if doc == nil {
		doc = make(map[string]interface{})
	}
	for k, v := range fields {
		setPath(doc, k, v)
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "re-encoding patched frontmatter")
	}

	var b bytes.Buffer
	b.WriteString(delim)
	b.Write(out)
	b.WriteString("---\n")
	b.WriteString(rest)
	return b.Bytes(), nil
}

func applyJSON(data []byte, fields map[string]interface{}) ([]byte, error) {
	var doc map[string]interface{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrap(err, "parsing JSON for patching")
		}
	}
	if doc == nil {
		doc = make(map[string]interface{})
	}
	for k, v := range fields {
		setPath(doc, k, v)
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "re-encoding patched JSON")
	}
	out = append(out, '\n')
	return out, nil
}

// setPath assigns value at a dot-separated field path within doc,
// creating intermediate maps as needed. A path segment that collides
// with a non-map existing value is overwritten, matching "leaves replace
// corresponding fields" (spec.md §4.9).
func setPath(doc map[string]interface{}, dotted string, value interface{}) {
	parts := strings.Split(dotted, ".")
	cur := doc
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[p] = next
		}
		cur = next
	}
}
