package encoder

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	separator = "================"
	arrow     = " => "
)

// WriteTo writes the encoder as text: one quoted symbol and its id per line
// in id order, a separator line, then one quoted special key and its id per
// line in key order. The output depends only on the table contents.
func (e *LabelEncoder) WriteTo(w io.Writer) (int64, error) {
	ids := make([]int, 0, len(e.ind2lab))
	for id := range e.ind2lab {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var buf bytes.Buffer
	for _, id := range ids {
		fmt.Fprintf(&buf, "%s%s%d\n", strconv.Quote(e.ind2lab[id]), arrow, id)
	}
	buf.WriteString(separator + "\n")
	for _, sp := range e.specials {
		fmt.Fprintf(&buf, "%s%s%d\n", strconv.Quote(sp.Key), arrow, sp.ID)
	}
	return buf.WriteTo(w)
}

// Save writes the encoder to path atomically (temp file, then rename).
func (e *LabelEncoder) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("encoder: creating save dir: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("encoder: creating temp file: %w", err)
	}
	if _, err := e.WriteTo(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encoder: writing %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("encoder: closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("encoder: moving encoder file: %w", err)
	}
	return nil
}

// Load reads an encoder written by Save.
func Load(path string) (*LabelEncoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	defer f.Close()

	e, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("encoder: %s: %w", path, err)
	}
	return e, nil
}

// Read parses the format produced by WriteTo.
func Read(r io.Reader) (*LabelEncoder, error) {
	e := newLabelEncoder()
	inSpecials := false
	lineNo := 0

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line == separator {
			inSpecials = true
			continue
		}

		name, id, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}

		if inSpecials {
			sym, ok := e.ind2lab[id]
			if !ok {
				return nil, fmt.Errorf("line %d: special %q refers to unused id %d", lineNo, name, id)
			}
			if _, ok := e.Special(name); ok {
				return nil, fmt.Errorf("line %d: special %q given twice", lineNo, name)
			}
			e.specials = append(e.specials, Special{Key: name, Symbol: sym, ID: id})
			continue
		}

		if _, dup := e.lab2ind[name]; dup {
			return nil, fmt.Errorf("line %d: symbol %q given twice", lineNo, name)
		}
		if _, dup := e.ind2lab[id]; dup {
			return nil, fmt.Errorf("line %d: id %d given twice", lineNo, id)
		}
		e.lab2ind[name] = id
		e.ind2lab[id] = name
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !inSpecials {
		return nil, errors.New("missing separator line")
	}

	sort.Slice(e.specials, func(i, j int) bool { return e.specials[i].Key < e.specials[j].Key })
	return e, nil
}

func parseLine(line string) (string, int, error) {
	i := strings.LastIndex(line, arrow)
	if i < 0 {
		return "", 0, fmt.Errorf("expected %q in %q", strings.TrimSpace(arrow), line)
	}
	name, err := strconv.Unquote(line[:i])
	if err != nil {
		return "", 0, fmt.Errorf("bad label %s: %w", line[:i], err)
	}
	id, err := strconv.Atoi(line[i+len(arrow):])
	if err != nil {
		return "", 0, fmt.Errorf("bad id: %w", err)
	}
	if id < 0 {
		return "", 0, fmt.Errorf("negative id %d", id)
	}
	return name, id, nil
}

// FitOrLoad returns the encoder persisted at path if the file exists,
// unchanged. Otherwise it fits a new encoder from corpus, injects specials,
// and persists it to path before returning.
func FitOrLoad(path string, corpus iter.Seq2[[]string, error], specials []Special) (*LabelEncoder, error) {
	if _, err := os.Stat(path); err == nil {
		e, err := Load(path)
		if err != nil {
			return nil, err
		}
		for _, sp := range specials {
			if id, ok := e.Special(sp.Key); !ok || id != sp.ID {
				slog.Warn("persisted label encoder disagrees with configured special label",
					"path", path, "key", sp.Key, "configured", sp.ID, "persisted", id)
			}
		}
		slog.Info("label encoder loaded", "path", path, "labels", e.Len())
		return e, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("encoder: %w", err)
	}

	e, err := Fit(corpus, specials)
	if err != nil {
		return nil, err
	}
	if err := e.Save(path); err != nil {
		return nil, err
	}
	slog.Info("label encoder fitted", "path", path, "labels", e.Len())
	return e, nil
}
