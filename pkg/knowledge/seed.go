package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedFile is the on-disk shape of a seed document. JSON files use the same keys.
type SeedFile struct {
	Snippets []Snippet `yaml:"snippets" json:"snippets"`
}

// LoadSeedDir reads every .yaml, .yml and .json file in dir, in name order.
// A missing directory yields no snippets.
func LoadSeedDir(dir string) ([]Snippet, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read seed dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var all []Snippet
	for _, name := range names {
		snippets, err := LoadSeedFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		all = append(all, snippets...)
	}
	return all, nil
}

// LoadSeedFile parses one seed document. YAML is a superset of JSON, so both go through yaml.v3.
func LoadSeedFile(path string) ([]Snippet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}

	var doc SeedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	for i := range doc.Snippets {
		s := &doc.Snippets[i]
		if s.Class == "" || s.Title == "" || strings.TrimSpace(s.Body) == "" {
			return nil, fmt.Errorf("seed file %s: snippet %d needs class, title and body", path, i)
		}
	}
	return doc.Snippets, nil
}
