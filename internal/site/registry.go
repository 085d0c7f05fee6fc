package site

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed builtin/*.yaml
var builtin embed.FS

// Registry indexes site configurations by code.
type Registry struct {
	sites map[string]*Config
}

// NewRegistry builds a registry from already parsed configs. Later entries
// replace earlier ones with the same code.
func NewRegistry(configs ...*Config) *Registry {
	r := &Registry{sites: make(map[string]*Config, len(configs))}
	for _, c := range configs {
		r.sites[c.Code] = c
	}
	return r
}

// Load reads the built-in sites and then every *.yaml / *.yml file in dir,
// which may override a built-in site by code. An empty dir loads built-ins only.
func Load(dir string) (*Registry, error) {
	r := NewRegistry()
	if err := r.loadFS(builtin, "builtin"); err != nil {
		return nil, err
	}
	if dir == "" {
		return r, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return r, nil
	}
	if err := r.loadFS(os.DirFS(dir), "."); err != nil {
		return nil, fmt.Errorf("failed to load sites from %s: %w", dir, err)
	}
	return r, nil
}

func (r *Registry) loadFS(fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(root, e.Name())))
		if err != nil {
			return err
		}
		c, err := Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		r.sites[c.Code] = c
	}
	return nil
}

// Get returns the site with the given code.
func (r *Registry) Get(code string) (*Config, error) {
	c, ok := r.sites[code]
	if !ok {
		return nil, fmt.Errorf("unknown site %q", code)
	}
	return c, nil
}

// List returns all sites ordered by code.
func (r *Registry) List() []*Config {
	out := make([]*Config, 0, len(r.sites))
	for _, c := range r.sites {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
