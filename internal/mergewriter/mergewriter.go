// Package mergewriter implements the merge-target writer (component
// C10): atomically folding hook and MCP-server entries into a shared
// JSON configuration file, per spec.md §4.10.
package mergewriter

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/aig787/agpm/internal/agpmerr"
	"github.com/aig787/agpm/internal/atomicfile"
	"github.com/aig787/agpm/internal/gps"
)

// Entry is one artifact's contribution to a shared merge-target file.
type Entry struct {
	TargetFile string
	Kind       gps.ResourceKind
	EntryKey   string      // node name; the key this entry occupies under SectionKey
	Value      interface{} // the artifact's own parsed JSON value
}

// MergeEntryConflict is raised when two entries claim the same key
// within one target file's section.
type MergeEntryConflict struct {
	TargetFile string
	Section    string
	EntryKey   string
}

func (e *MergeEntryConflict) Error() string {
	return fmt.Sprintf("merge conflict in %s: entry %q already exists in section %q", e.TargetFile, e.EntryKey, e.Section)
}

func (e *MergeEntryConflict) ErrorKind() agpmerr.Kind { return agpmerr.KindMergeEntryConflict }

// sectionKey returns the top-level JSON key a kind's entries are merged
// under. Only hook and mcp-server kinds use Merge install mode
// (spec.md §6); any other kind passed here is a caller bug.
func sectionKey(kind gps.ResourceKind) string {
	switch kind {
	case gps.KindHook:
		return "hooks"
	case gps.KindMCPServer:
		return "mcpServers"
	default:
		return string(kind)
	}
}

// Write groups entries by TargetFile and merges each group into its
// target in one critical section, matching spec.md §5's "all queued
// merges for one target execute in one critical section" rule. Targets
// are processed and written independently; a conflict in one target
// does not prevent other targets from being written.
func Write(entries []Entry) error {
	byTarget := make(map[string][]Entry)
	var targets []string
	for _, e := range entries {
		if _, seen := byTarget[e.TargetFile]; !seen {
			targets = append(targets, e.TargetFile)
		}
		byTarget[e.TargetFile] = append(byTarget[e.TargetFile], e)
	}
	sort.Strings(targets)

	var firstErr error
	for _, target := range targets {
		if err := writeOne(target, byTarget[target]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func writeOne(target string, entries []Entry) error {
	doc, err := readDoc(target)
	if err != nil {
		return err
	}

	for _, e := range entries {
		section := sectionKey(e.Kind)
		sub, ok := doc[section].(map[string]interface{})
		if !ok {
			sub = make(map[string]interface{})
			doc[section] = sub
		}
		if _, exists := sub[e.EntryKey]; exists {
			return errors.WithStack(&MergeEntryConflict{TargetFile: target, Section: section, EntryKey: e.EntryKey})
		}
		sub[e.EntryKey] = e.Value
	}

	out, err := marshalSorted(doc)
	if err != nil {
		return errors.Wrapf(err, "encoding merge target %s", target)
	}
	return atomicfile.Write(target, out, 0o644)
}

func readDoc(target string) (map[string]interface{}, error) {
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]interface{}), nil
		}
		return nil, errors.Wrapf(err, "reading merge target %s", target)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing existing merge target %s", target)
	}
	if doc == nil {
		doc = make(map[string]interface{})
	}
	return doc, nil
}

// marshalSorted encodes doc with lexicographic key order (encoding/json
// already sorts map[string]interface{} keys) and a trailing newline.
func marshalSorted(doc map[string]interface{}) ([]byte, error) {
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
