// Package encoder maps phoneme symbols to integer ids.
//
// An encoder is fit once from the training corpus (first occurrence order)
// and persisted; later runs load the persisted table so ids stay stable
// across restarts and checkpoints. A fitted encoder is never mutated.
package encoder

import (
	"errors"
	"fmt"
	"iter"
	"sort"
)

// Special is a reserved label injected outside the corpus vocabulary, such
// as the blank used by the CTC loss.
type Special struct {
	Key    string // e.g. "blank_label"
	Symbol string // e.g. "<blank>"
	ID     int
}

// BlankKey is the special key of the CTC blank label.
const BlankKey = "blank_label"

// UnknownSymbolError is returned when encoding a symbol that was not seen
// while fitting.
type UnknownSymbolError struct {
	Symbol   string
	Position int
}

func (e *UnknownSymbolError) Error() string {
	return fmt.Sprintf("encoder: unknown symbol %q at position %d", e.Symbol, e.Position)
}

// ErrUnknownID is returned when decoding an id outside the vocabulary.
var ErrUnknownID = errors.New("encoder: unknown id")

// SequenceEncoder encodes symbol sequences. Both *LabelEncoder and
// *Deferred implement it.
type SequenceEncoder interface {
	EncodeSequence(symbols []string) ([]int, error)
}

// LabelEncoder is a bidirectional symbol <-> id table. It is read-only and
// safe for concurrent use.
type LabelEncoder struct {
	lab2ind  map[string]int
	ind2lab  map[int]string
	specials []Special // sorted by Key
}

func newLabelEncoder() *LabelEncoder {
	return &LabelEncoder{
		lab2ind: make(map[string]int),
		ind2lab: make(map[int]string),
	}
}

// Fit builds an encoder from corpus. Symbols get sequential ids in order of
// first occurrence, skipping ids reserved by specials.
func Fit(corpus iter.Seq2[[]string, error], specials []Special) (*LabelEncoder, error) {
	e := newLabelEncoder()
	reserved, err := e.addSpecials(specials)
	if err != nil {
		return nil, err
	}

	next := 0
	for symbols, err := range corpus {
		if err != nil {
			return nil, fmt.Errorf("encoder: reading corpus: %w", err)
		}
		for _, sym := range symbols {
			if _, ok := e.lab2ind[sym]; ok {
				continue
			}
			for reserved[next] {
				next++
			}
			e.lab2ind[sym] = next
			e.ind2lab[next] = sym
			next++
		}
	}
	return e, nil
}

func (e *LabelEncoder) addSpecials(specials []Special) (map[int]bool, error) {
	reserved := make(map[int]bool, len(specials))
	keys := make(map[string]bool, len(specials))
	for _, sp := range specials {
		switch {
		case sp.Key == "" || sp.Symbol == "":
			return nil, fmt.Errorf("encoder: special label needs a key and a symbol, got %+v", sp)
		case sp.ID < 0:
			return nil, fmt.Errorf("encoder: special label %q has negative id %d", sp.Key, sp.ID)
		case keys[sp.Key]:
			return nil, fmt.Errorf("encoder: special label %q given twice", sp.Key)
		case reserved[sp.ID]:
			return nil, fmt.Errorf("encoder: special label %q reuses id %d", sp.Key, sp.ID)
		}
		if _, ok := e.lab2ind[sp.Symbol]; ok {
			return nil, fmt.Errorf("encoder: special symbol %q given twice", sp.Symbol)
		}
		keys[sp.Key] = true
		reserved[sp.ID] = true
		e.lab2ind[sp.Symbol] = sp.ID
		e.ind2lab[sp.ID] = sp.Symbol
		e.specials = append(e.specials, sp)
	}
	sort.Slice(e.specials, func(i, j int) bool { return e.specials[i].Key < e.specials[j].Key })
	return reserved, nil
}

// Len returns the number of labels, specials included.
func (e *LabelEncoder) Len() int { return len(e.lab2ind) }

// Lookup returns the id of one symbol.
func (e *LabelEncoder) Lookup(symbol string) (int, bool) {
	id, ok := e.lab2ind[symbol]
	return id, ok
}

// Special returns the id reserved for the special key.
func (e *LabelEncoder) Special(key string) (int, bool) {
	for _, sp := range e.specials {
		if sp.Key == key {
			return sp.ID, true
		}
	}
	return 0, false
}

// Specials returns the special labels sorted by key.
func (e *LabelEncoder) Specials() []Special {
	return append([]Special(nil), e.specials...)
}

// EncodeSequence maps every symbol to its id. An unseen symbol is an
// *UnknownSymbolError; nothing is skipped or substituted.
func (e *LabelEncoder) EncodeSequence(symbols []string) ([]int, error) {
	ids := make([]int, len(symbols))
	for i, sym := range symbols {
		id, ok := e.lab2ind[sym]
		if !ok {
			return nil, &UnknownSymbolError{Symbol: sym, Position: i}
		}
		ids[i] = id
	}
	return ids, nil
}

// EncodeTensor is EncodeSequence returning int64 ids, the element type the
// training side expects for label tensors.
func (e *LabelEncoder) EncodeTensor(symbols []string) ([]int64, error) {
	ids, err := e.EncodeSequence(symbols)
	if err != nil {
		return nil, err
	}
	return ToInt64(ids), nil
}

// Decode maps ids back to symbols.
func (e *LabelEncoder) Decode(ids []int) ([]string, error) {
	out := make([]string, len(ids))
	for i, id := range ids {
		sym, ok := e.ind2lab[id]
		if !ok {
			return nil, fmt.Errorf("%w %d at position %d", ErrUnknownID, id, i)
		}
		out[i] = sym
	}
	return out, nil
}

// ToInt64 widens ids to int64.
func ToInt64(ids []int) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
