// Package template loads prompt templates and renders positional parameters
// into them.
//
// A template may start with any number of import lines:
//
//	@import shared/plan_format.md
//
// Imported templates are prepended in the order listed, recursively.
package template

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mpataki/adw/internal/apperr"
)

//go:embed templates/*.md
var defaults embed.FS

const importDirective = "@import"

// ErrNotFound is returned when no search location holds a template.
var ErrNotFound = errors.New("template not found")

// CycleError reports an import chain that leads back to one of its members.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return "template import cycle: " + strings.Join(e.Chain, " → ")
}

// Resolver finds templates on a search path: explicit directories first,
// then <work>/.adw/templates, then the built-in defaults.
type Resolver struct {
	workDir string
	dirs    []string
	builtin fs.FS
}

// NewResolver returns a Resolver for workDir. dirs are searched before the
// project template directory.
func NewResolver(workDir string, dirs ...string) *Resolver {
	search := append([]string(nil), dirs...)
	search = append(search, filepath.Join(workDir, ".adw", "templates"))
	sub, _ := fs.Sub(defaults, "templates")
	return &Resolver{workDir: workDir, dirs: search, builtin: sub}
}

// Load returns the fully expanded text of the named template. name is either
// a bare file name looked up on the search path or a path (absolute or
// relative to the working directory).
func (r *Resolver) Load(name string) (string, error) {
	text, err := r.expand(name, "", nil)
	if err != nil {
		return "", apperr.Template("load template "+name, err)
	}
	return text, nil
}

// Names lists the built-in template names.
func (r *Resolver) Names() []string {
	entries, err := fs.ReadDir(r.builtin, ".")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (r *Resolver) expand(name, fromDir string, chain []string) (string, error) {
	body, key, dir, err := r.read(name, fromDir)
	if err != nil {
		return "", err
	}
	for i, seen := range chain {
		if seen == key {
			cycle := append(displayChain(chain[i:]), path.Base(filepath.ToSlash(key)))
			return "", &CycleError{Chain: cycle}
		}
	}
	chain = append(chain, key)

	imports, rest := splitImports(body)
	if len(imports) == 0 {
		return body, nil
	}
	var b strings.Builder
	for _, imp := range imports {
		text, err := r.expand(imp, dir, chain)
		if err != nil {
			return "", err
		}
		b.WriteString(text)
		if !strings.HasSuffix(text, "\n") {
			b.WriteByte('\n')
		}
	}
	b.WriteString(rest)
	return b.String(), nil
}

func displayChain(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = path.Base(filepath.ToSlash(k))
	}
	return out
}

// read locates name and returns its content, a key identifying it for cycle
// detection and the directory relative imports resolve against ("" for
// built-ins).
func (r *Resolver) read(name, fromDir string) (body, key, dir string, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", "", fmt.Errorf("%w: empty name", ErrNotFound)
	}

	var candidates []string
	if filepath.IsAbs(name) {
		candidates = []string{name}
	} else {
		if fromDir != "" {
			candidates = append(candidates, filepath.Join(fromDir, name))
		} else if strings.ContainsRune(name, filepath.Separator) {
			candidates = append(candidates, filepath.Join(r.workDir, name))
		}
		for _, d := range r.dirs {
			candidates = append(candidates, filepath.Join(d, name))
		}
	}
	for _, c := range candidates {
		data, err := os.ReadFile(c)
		if err == nil {
			return string(data), c, filepath.Dir(c), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", "", "", fmt.Errorf("read template %s: %w", c, err)
		}
	}

	if !filepath.IsAbs(name) {
		p := path.Clean(filepath.ToSlash(name))
		if data, err := fs.ReadFile(r.builtin, p); err == nil {
			return string(data), "builtin:" + p, "", nil
		}
	}
	return "", "", "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// splitImports peels the leading import lines off body. Blank lines between
// imports are skipped.
func splitImports(body string) ([]string, string) {
	var imports []string
	rest := body
	for rest != "" {
		line, tail, _ := strings.Cut(rest, "\n")
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" && len(imports) > 0:
			rest = tail
			continue
		case strings.HasPrefix(trimmed, importDirective+" "):
			for _, n := range strings.Fields(strings.TrimPrefix(trimmed, importDirective)) {
				imports = append(imports, n)
			}
			rest = tail
			continue
		}
		break
	}
	return imports, rest
}

// Render replaces $k with params[k] for every key. Longer keys are matched
// first so $10 never binds to $1. Substituted text is not rescanned and
// unknown placeholders stay as written.
func Render(text string, params map[string]string) string {
	if len(params) == 0 {
		return text
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "$"+k, params[k])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Positional builds a params map from values, binding $1, $2, ...
func Positional(values ...string) map[string]string {
	params := make(map[string]string, len(values))
	for i, v := range values {
		params[fmt.Sprint(i+1)] = v
	}
	return params
}
