// Package tmpl implements the template engine interface (component C6):
// expansion of `{{ … }}` expressions in dependency paths (always on,
// unless a resource opts out) and, opt-in per resource, in file content.
//
// The grammar the spec describes is small and closed — a dotted variable
// reference, an optional `default` fallback, and a `content` file-embed
// — so rather than drive the full generality of text/template (whose
// missing-key semantics make "error unless a default is given" awkward
// to express precisely), this package parses `{{ … }}` expressions
// itself and resolves them against an explicit Context. It still reaches
// for github.com/Masterminds/sprig/v3 for the one piece genuinely worth
// reusing: pretty-printing embedded JSON the same way the rest of the
// retrieved corpus's manifest/config tooling does.
package tmpl

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/sprig/v3"
	"github.com/pkg/errors"

	"github.com/aig787/agpm/internal/agpmerr"
)

// Context supplies the two variables the resolver exposes to templated
// expressions: agpm.project (an opaque map from the manifest's [project]
// table) and agpm.deps (populated incrementally during planning — see
// spec.md §5 on the installer's agpm.deps map).
type Context struct {
	Project map[string]interface{}
	Deps    map[string]interface{}
}

func (c Context) lookup(path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 || parts[0] != "agpm" {
		return nil, false
	}

	var root map[string]interface{}
	switch parts[1] {
	case "project":
		root = c.Project
	case "deps":
		root = c.Deps
	default:
		return nil, false
	}

	var cur interface{} = root
	for _, p := range parts[2:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	if len(parts) == 2 {
		// "agpm.project" / "agpm.deps" bare references resolve to the
		// whole map, which is never a sensible scalar substitution.
		return nil, false
	}
	return cur, true
}

var exprPattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// UndefinedVariable is raised when an expression references a variable
// with no `default` fallback and no value in Context.
type UndefinedVariable struct {
	Name string
}

func (e *UndefinedVariable) Error() string { return fmt.Sprintf("undefined template variable %q", e.Name) }
func (e *UndefinedVariable) ErrorKind() agpmerr.Kind { return agpmerr.KindUndefinedVariable }

// TemplateRenderFailed wraps any other expansion failure (malformed
// expression syntax, recursion limit, file-read error from a `content`
// reference once it has already cleared the dedicated content-filter
// checks).
type TemplateRenderFailed struct {
	Expr  string
	Cause error
}

func (e *TemplateRenderFailed) Error() string {
	return fmt.Sprintf("template render failed for %q: %v", e.Expr, e.Cause)
}
func (e *TemplateRenderFailed) ErrorKind() agpmerr.Kind { return agpmerr.KindTemplateRenderFailed }
func (e *TemplateRenderFailed) Unwrap() error           { return e.Cause }

// ContentReader resolves the `content` filter's path argument to bytes;
// evalContent has already rejected escaping paths and disallowed
// suffixes before calling it. It is supplied by the caller so this
// package stays filesystem-agnostic; the installer's reader resolves the
// path inside the artifact's source worktree, not the project root.
type ContentReader func(relPath string) ([]byte, error)

// Engine expands templated expressions in dependency paths and, opt-in,
// in resource content.
type Engine interface {
	ExpandPath(raw string, ctx Context) (string, error)
	ExpandContent(raw string, ctx Context, read ContentReader) (string, error)
}

// DefaultEngine is the built-in Engine implementation.
type DefaultEngine struct{}

// NewDefaultEngine returns the built-in template engine.
func NewDefaultEngine() *DefaultEngine { return &DefaultEngine{} }

// ExpandPath expands every `{{ … }}` expression in raw. It never reads
// files — the `content` filter is only available in ExpandContent.
func (e *DefaultEngine) ExpandPath(raw string, ctx Context) (string, error) {
	return expand(raw, ctx, 0, nil)
}

// ExpandContent expands raw, additionally honouring the `content`
// filter, which embeds another project file's (recursively expanded)
// contents, subject to the limits in spec.md §4.6.
func (e *DefaultEngine) ExpandContent(raw string, ctx Context, read ContentReader) (string, error) {
	return expand(raw, ctx, 0, read)
}

func expand(raw string, ctx Context, depth int, read ContentReader) (string, error) {
	if depth > maxContentDepth {
		return "", errors.WithStack(&TemplateRenderFailed{Expr: raw, Cause: errors.New("content recursion depth exceeded")})
	}

	var outerErr error
	result := exprPattern.ReplaceAllStringFunc(raw, func(match string) string {
		if outerErr != nil {
			return match
		}
		inner := exprPattern.FindStringSubmatch(match)[1]
		val, err := evalExpr(inner, ctx, depth, read)
		if err != nil {
			outerErr = err
			return match
		}
		return val
	})
	if outerErr != nil {
		return "", outerErr
	}
	return result, nil
}

// evalExpr evaluates one `{{ ... }}` body: a pipeline of a primary
// (variable reference or `content "path"`) optionally followed by
// `| default <literal>`.
func evalExpr(expr string, ctx Context, depth int, read ContentReader) (string, error) {
	stages := splitPipeline(expr)
	if len(stages) == 0 {
		return "", errors.WithStack(&TemplateRenderFailed{Expr: expr, Cause: errors.New("empty expression")})
	}

	primary := stages[0]
	var value interface{}
	var defined bool
	var err error

	switch {
	case strings.HasPrefix(primary, "content "):
		arg := strings.TrimSpace(strings.TrimPrefix(primary, "content "))
		path, perr := unquote(arg)
		if perr != nil {
			return "", errors.WithStack(&TemplateRenderFailed{Expr: expr, Cause: perr})
		}
		value, err = evalContent(path, ctx, depth, read)
		defined = err == nil
		if err != nil {
			return "", err
		}
	default:
		value, defined = ctx.lookup(primary)
	}

	for _, stage := range stages[1:] {
		stage = strings.TrimSpace(stage)
		if !strings.HasPrefix(stage, "default ") {
			return "", errors.WithStack(&TemplateRenderFailed{Expr: expr, Cause: errors.Errorf("unsupported filter %q", stage)})
		}
		if defined {
			continue
		}
		lit, perr := unquote(strings.TrimSpace(strings.TrimPrefix(stage, "default ")))
		if perr != nil {
			return "", errors.WithStack(&TemplateRenderFailed{Expr: expr, Cause: perr})
		}
		value = lit
		defined = true
	}

	if !defined {
		return "", errors.WithStack(&UndefinedVariable{Name: primary})
	}
	return fmt.Sprintf("%v", value), nil
}

func splitPipeline(expr string) []string {
	var stages []string
	for _, s := range strings.Split(expr, "|") {
		if s = strings.TrimSpace(s); s != "" {
			stages = append(stages, s)
		}
	}
	return stages
}

func unquote(s string) (string, error) {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return strconv.Unquote(`"` + strings.ReplaceAll(s[1:len(s)-1], `"`, `\"`) + `"`)
	}
	return s, nil
}

// jsonPretty is grounded on sprig's toPrettyJson, reused directly from
// its FuncMap rather than reimplemented, so embedded JSON content is
// formatted exactly the way the rest of the corpus's sprig-based tooling
// formats it.
var jsonPretty = sprig.GenericFuncMap()["toPrettyJson"].(func(interface{}) string)

const (
	maxContentSize  = 1 << 20 // 1 MiB
	maxContentDepth = 10
)

var allowedContentSuffixes = map[string]bool{
	".md": true, ".txt": true, ".json": true, ".toml": true, ".yaml": true, ".yml": true,
}

// ContentFilterForbidden is raised when a `content` reference escapes
// the project root or uses a disallowed file suffix.
type ContentFilterForbidden struct {
	Path   string
	Reason string
}

func (e *ContentFilterForbidden) Error() string {
	return fmt.Sprintf("content filter forbidden for %q: %s", e.Path, e.Reason)
}
func (e *ContentFilterForbidden) ErrorKind() agpmerr.Kind { return agpmerr.KindContentFilterForbidden }

// ContentFilterTooLarge is raised when a `content` reference exceeds the
// 1 MiB size limit.
type ContentFilterTooLarge struct {
	Path string
	Size int
}

func (e *ContentFilterTooLarge) Error() string {
	return fmt.Sprintf("content filter: %q is %d bytes, exceeds the 1 MiB limit", e.Path, e.Size)
}
func (e *ContentFilterTooLarge) ErrorKind() agpmerr.Kind { return agpmerr.KindContentFilterTooLarge }

func evalContent(relPath string, ctx Context, depth int, read ContentReader) (string, error) {
	if read == nil {
		return "", errors.WithStack(&ContentFilterForbidden{Path: relPath, Reason: "content filter unavailable in this context"})
	}
	if strings.Contains(relPath, "..") || strings.HasPrefix(relPath, "/") {
		return "", errors.WithStack(&ContentFilterForbidden{Path: relPath, Reason: "path escapes project root"})
	}

	suffix := lowerExt(relPath)
	if !allowedContentSuffixes[suffix] {
		return "", errors.WithStack(&ContentFilterForbidden{Path: relPath, Reason: "suffix not in the allowed whitelist"})
	}

	data, err := read(relPath)
	if err != nil {
		return "", errors.WithStack(&TemplateRenderFailed{Expr: relPath, Cause: err})
	}
	if len(data) > maxContentSize {
		return "", errors.WithStack(&ContentFilterTooLarge{Path: relPath, Size: len(data)})
	}

	rendered, err := expand(string(data), ctx, depth+1, read)
	if err != nil {
		return "", err
	}

	switch suffix {
	case ".md":
		rendered = stripFrontmatterForEmbed(rendered)
	case ".json":
		rendered = jsonPretty(rawJSON(rendered))
	}
	return rendered, nil
}

func lowerExt(p string) string {
	idx := strings.LastIndexByte(p, '.')
	if idx < 0 {
		return ""
	}
	return strings.ToLower(p[idx:])
}

// stripFrontmatterForEmbed drops a leading YAML frontmatter block so
// only the markdown body is embedded inline.
func stripFrontmatterForEmbed(md string) string {
	const delim = "---"
	if !strings.HasPrefix(md, delim) {
		return md
	}
	rest := strings.TrimPrefix(md, delim)
	end := strings.Index(rest, "\n"+delim)
	if end < 0 {
		return md
	}
	body := rest[end+len("\n"+delim):]
	return strings.TrimPrefix(body, "\n")
}

// rawJSON decodes s just enough to hand a generic value to sprig's
// toPrettyJson; malformed JSON is embedded verbatim rather than failing
// the whole render, matching the extractor's "never error" posture for
// secondary, advisory formatting.
func rawJSON(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
