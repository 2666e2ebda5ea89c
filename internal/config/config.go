// Package config parses YAML configuration into an untyped key/value tree
// with fail-soft typed accessors: every getter returns the value and a
// success flag instead of an error, so the caller decides which keys are
// required and what failure means.
package config

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tree is a parsed configuration tree. Keys are dotted paths; path
// segments must not themselves contain dots.
type Tree struct {
	root map[string]any
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	tree, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return tree, nil
}

// Read parses YAML configuration from a stream.
func Read(r io.Reader) (*Tree, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration from memory. An empty document yields an
// empty tree.
func Parse(data []byte) (*Tree, error) {
	var root map[string]any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if root == nil {
		root = make(map[string]any)
	}
	return &Tree{root: root}, nil
}

func (t *Tree) lookup(key string) (any, bool) {
	if t == nil {
		return nil, false
	}
	var cur any = t.root
	if key == "" {
		return cur, true
	}
	for _, part := range strings.Split(key, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Has reports whether the key exists.
func (t *Tree) Has(key string) bool {
	_, ok := t.lookup(key)
	return ok
}

// String returns the string value at key.
func (t *Tree) String(key string) (string, bool) {
	v, ok := t.lookup(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns the boolean value at key.
func (t *Tree) Bool(key string) (bool, bool) {
	v, ok := t.lookup(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Uint returns the non-negative integer value at key. Negative values,
// floats and non-numeric values fail.
func (t *Tree) Uint(key string) (uint64, bool) {
	v, ok := t.lookup(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint64:
		return n, true
	}
	return 0, false
}

// Keys returns the child key names under prefix in lexicographic order.
// The second result is false when prefix is missing or not a mapping.
func (t *Tree) Keys(prefix string) ([]string, bool) {
	v, ok := t.lookup(prefix)
	if !ok {
		return nil, false
	}
	node, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, true
}
