// Package dataset exposes utterance records under a field projection and
// prepares the train, validation and test splits.
package dataset

import (
	"context"
	"iter"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/mddprep/internal/pipeline"
	"github.com/chaz8081/mddprep/internal/records"
)

// Item is one materialized record: exactly the projected fields.
type Item map[string]any

// View is a record collection materialized through a registry under a
// fixed output projection. Items are computed on every access; nothing is
// cached.
type View struct {
	recs    []records.Record
	reg     *pipeline.Registry
	outputs []string
	plan    *pipeline.Plan
}

// NewView checks the projection against the registry and the records' raw
// attributes, then returns the view. A field nothing can provide is a
// *pipeline.MissingFieldError, reported before any record is resolved.
func NewView(recs []records.Record, reg *pipeline.Registry, outputs []string) (*View, error) {
	plan, err := reg.Plan(outputs, rawKeys(recs))
	if err != nil {
		return nil, err
	}
	return &View{
		recs:    recs,
		reg:     reg,
		outputs: slices.Clone(outputs),
		plan:    plan,
	}, nil
}

func rawKeys(recs []records.Record) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, r := range recs {
		for k := range r.Fields {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	slices.Sort(keys)
	return keys
}

// WithOutputs returns a view of the same records and registry under a
// different projection.
func (v *View) WithOutputs(outputs []string) (*View, error) {
	return NewView(v.recs, v.reg, outputs)
}

// Len returns the number of records.
func (v *View) Len() int { return len(v.recs) }

// Outputs returns the projected field names.
func (v *View) Outputs() []string { return slices.Clone(v.outputs) }

// Stages returns the names of the stages that materializing an item runs.
func (v *View) Stages() []string { return slices.Clone(v.plan.Stages) }

// Records returns the underlying records in iteration order.
func (v *View) Records() []records.Record { return v.recs }

// Get materializes record i.
func (v *View) Get(i int) (Item, error) {
	out, err := v.reg.Resolve(v.recs[i], v.outputs)
	if err != nil {
		return nil, err
	}
	return Item(out), nil
}

// All iterates over the view in order. Iteration stops after the first
// error, which is yielded with a nil item. Each call starts over and
// recomputes every item.
func (v *View) All() iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		for i := range v.recs {
			item, err := v.Get(i)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Prefetch materializes the view with workers goroutines and calls fn for
// every item in index order from a single goroutine. At most 2*workers
// items are in flight or waiting. The first error from resolution or fn
// cancels the rest and is returned.
func Prefetch(ctx context.Context, v *View, workers int, fn func(i int, item Item) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if workers < 1 {
		workers = 1
	}
	n := v.Len()
	// Item i goes to ring[i%len(ring)]. The window keeps i within
	// len(ring) of the next item to consume, so a slot is always drained
	// before it is reused.
	ring := make([]chan Item, 2*workers)
	for i := range ring {
		ring[i] = make(chan Item, 1)
	}
	window := make(chan struct{}, len(ring))
	jobs := make(chan int)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		for i := 0; i < n; i++ {
			select {
			case window <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case jobs <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range jobs {
				item, err := v.Get(i)
				if err != nil {
					return err
				}
				ring[i%len(ring)] <- item
			}
			return nil
		})
	}

	g.Go(func() error {
		for i := 0; i < n; i++ {
			select {
			case item := <-ring[i%len(ring)]:
				if err := fn(i, item); err != nil {
					return err
				}
				<-window
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	return g.Wait()
}
