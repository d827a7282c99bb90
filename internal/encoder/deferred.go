package encoder

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrNotFitted is returned when encoding through a Deferred whose
	// encoder has not been set yet.
	ErrNotFitted = errors.New("encoder: label encoder not fitted yet")
	// ErrAlreadyFitted is returned when setting a Deferred twice.
	ErrAlreadyFitted = errors.New("encoder: label encoder already fitted")
)

// Deferred lets stages be wired to an encoder that is fitted later. It
// enforces the fit-then-use order: encoding fails until Set has been
// called, and Set succeeds only once.
type Deferred struct {
	enc atomic.Pointer[LabelEncoder]
}

// Set publishes the fitted encoder to all readers.
func (d *Deferred) Set(e *LabelEncoder) error {
	if e == nil {
		return errors.New("encoder: nil label encoder")
	}
	if !d.enc.CompareAndSwap(nil, e) {
		return ErrAlreadyFitted
	}
	return nil
}

// Encoder returns the fitted encoder.
func (d *Deferred) Encoder() (*LabelEncoder, error) {
	e := d.enc.Load()
	if e == nil {
		return nil, ErrNotFitted
	}
	return e, nil
}

// EncodeSequence encodes with the fitted encoder.
func (d *Deferred) EncodeSequence(symbols []string) ([]int, error) {
	e, err := d.Encoder()
	if err != nil {
		return nil, err
	}
	return e.EncodeSequence(symbols)
}
