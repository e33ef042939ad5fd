// Package routelabel maps pathnames to human-readable display labels.
// Resolution is a deterministic, total function: exact match first, then
// longest registered prefix, then a label derived from the final path
// segment. Deployments can merge overrides from a YAML file.
package routelabel

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Table resolves pathnames to labels. Immutable after construction; build a
// new Table to change entries.
type Table struct {
	exact    map[string]string
	prefixes []prefixEntry // sorted longest-first
}

type prefixEntry struct {
	prefix string
	label  string
}

// New builds a Table from entries. Keys ending in "/" register as prefixes
// (matched against the start of the pathname); all others are exact matches.
func New(entries map[string]string) *Table {
	t := &Table{exact: make(map[string]string, len(entries))}
	for k, v := range entries {
		if len(k) > 1 && strings.HasSuffix(k, "/") {
			t.prefixes = append(t.prefixes, prefixEntry{prefix: k, label: v})
			continue
		}
		t.exact[k] = v
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		return len(t.prefixes[i].prefix) > len(t.prefixes[j].prefix)
	})
	return t
}

// Default returns the built-in table for the application's route map.
func Default() *Table {
	return New(map[string]string{
		"/":            "Home",
		"/movements":   "Movements",
		"/movements/":  "Movement",
		"/challenges":  "Challenges",
		"/challenges/": "Challenge",
		"/donate":      "Donate",
		"/moderation":  "Moderation",
		"/profile":     "Profile",
		"/research":    "Research",
		"/settings":    "Settings",
	})
}

// Label resolves pathname to a display label.
func (t *Table) Label(pathname string) string {
	if label, ok := t.exact[pathname]; ok {
		return label
	}
	trimmed := strings.TrimSuffix(pathname, "/")
	if trimmed != pathname {
		if label, ok := t.exact[trimmed]; ok {
			return label
		}
	}
	for _, p := range t.prefixes {
		if strings.HasPrefix(pathname, p.prefix) {
			return p.label
		}
	}
	return Derive(pathname)
}

// Derive builds a fallback label from the final path segment: dashes and
// underscores become spaces, each word is title-cased. An empty or root
// pathname derives "Home".
func Derive(pathname string) string {
	pathname = strings.TrimSuffix(pathname, "/")
	seg := pathname[strings.LastIndex(pathname, "/")+1:]
	if seg == "" {
		return "Home"
	}
	words := strings.FieldsFunc(seg, func(r rune) bool {
		return r == '-' || r == '_'
	})
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	if len(words) == 0 {
		return "Home"
	}
	return strings.Join(words, " ")
}

// LoadFile reads a YAML pathname→label map, for merging over Default():
//
//	"/movements": "Mouvements"
//	"/donate":    "Faire un don"
func LoadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routelabel: read %s: %w", path, err)
	}
	entries := make(map[string]string)
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("routelabel: parse %s: %w", path, err)
	}
	return entries, nil
}

// Merge returns a new Table with overrides applied on top of t's entries.
func (t *Table) Merge(overrides map[string]string) *Table {
	merged := make(map[string]string, len(t.exact)+len(t.prefixes)+len(overrides))
	for k, v := range t.exact {
		merged[k] = v
	}
	for _, p := range t.prefixes {
		merged[p.prefix] = p.label
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return New(merged)
}
