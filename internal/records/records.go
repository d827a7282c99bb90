// Package records loads utterance annotations and reorders them for batching.
//
// An annotation file is a mapping from utterance id to a mapping of fields.
// The order of ids in the file is the order of the returned records.
package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Well-known annotation field names.
const (
	KeyID               = "id"
	KeyWav              = "wav"
	KeyTarget           = "perceived_train_target"
	KeyCanonicalAligned = "canonical_aligned"
	KeyPerceivedAligned = "perceived_aligned"
	KeyDuration         = "duration"
	KeyWords            = "wrd"
)

// Record is one utterance. Fields holds every raw attribute of the
// annotation entry, including the id under KeyID.
type Record struct {
	ID     string
	Fields map[string]any
}

// Get returns the raw attribute stored under key.
func (r Record) Get(key string) (any, bool) {
	v, ok := r.Fields[key]
	return v, ok
}

// String returns the attribute under key if it is a string.
func (r Record) String(key string) (string, bool) {
	s, ok := r.Fields[key].(string)
	return s, ok
}

// Float returns the attribute under key converted to float64 if it is numeric.
func (r Record) Float(key string) (float64, bool) {
	switch v := r.Fields[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Keys returns the attribute names of the record in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FillMissing sets key to value on every record that does not carry it.
// It returns the number of records changed.
func FillMissing(recs []Record, key string, value any) int {
	n := 0
	for _, r := range recs {
		if _, ok := r.Fields[key]; !ok {
			r.Fields[key] = value
			n++
		}
	}
	return n
}

type entry struct {
	id     string
	fields map[string]any
}

// Load reads an annotation file. JSON (.json) and YAML (.yaml, .yml) are
// supported. Every string attribute has {name} placeholders substituted
// from replacements, e.g. {"data_root": "/corpora/l2arctic"}.
func Load(path string, replacements map[string]string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("records: open annotation: %w", err)
	}
	defer f.Close()

	var entries []entry
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		entries, err = decodeJSON(f)
	case ".yaml", ".yml":
		entries, err = decodeYAML(f)
	default:
		return nil, fmt.Errorf("records: unsupported annotation format %q (supported: .json, .yaml, .yml)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("records: parse %s: %w", path, err)
	}

	return build(entries, replacements)
}

func build(entries []entry, replacements map[string]string) ([]Record, error) {
	rep := newReplacer(replacements)
	seen := make(map[string]struct{}, len(entries))
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.id]; dup {
			return nil, fmt.Errorf("records: duplicate utterance id %q", e.id)
		}
		seen[e.id] = struct{}{}

		fields := make(map[string]any, len(e.fields)+1)
		for k, v := range e.fields {
			fields[k] = substitute(v, rep)
		}
		fields[KeyID] = e.id
		out = append(out, Record{ID: e.id, Fields: fields})
	}
	return out, nil
}

// decodeJSON streams the top-level object so that key order is kept.
func decodeJSON(r io.Reader) ([]entry, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("top level must be an object keyed by utterance id")
	}

	var entries []entry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		id, _ := tok.(string)
		var fields map[string]any
		if err := dec.Decode(&fields); err != nil {
			return nil, fmt.Errorf("utterance %q: %w", id, err)
		}
		if fields == nil {
			return nil, fmt.Errorf("utterance %q: entry must be an object", id)
		}
		entries = append(entries, entry{id: id, fields: fields})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return entries, nil
}

func decodeYAML(r io.Reader) ([]entry, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errors.New("empty document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("top level must be a mapping keyed by utterance id")
	}

	entries := make([]entry, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		id := root.Content[i].Value
		val := root.Content[i+1]
		if val.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("utterance %q: entry must be a mapping", id)
		}
		var fields map[string]any
		if err := val.Decode(&fields); err != nil {
			return nil, fmt.Errorf("utterance %q: %w", id, err)
		}
		entries = append(entries, entry{id: id, fields: fields})
	}
	return entries, nil
}

func newReplacer(replacements map[string]string) *strings.Replacer {
	if len(replacements) == 0 {
		return nil
	}
	keys := make([]string, 0, len(replacements))
	for k := range replacements {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", replacements[k])
	}
	return strings.NewReplacer(pairs...)
}

func substitute(v any, rep *strings.Replacer) any {
	if rep == nil {
		return v
	}
	switch t := v.(type) {
	case string:
		return rep.Replace(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = substitute(e, rep)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = substitute(e, rep)
		}
		return out
	}
	return v
}
