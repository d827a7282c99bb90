// Package pipeline resolves derived per-record fields from declarative stages.
//
// A Stage takes named inputs and provides an ordered list of outputs. Later
// outputs may read earlier outputs of the same invocation through the Scope,
// so shared work (tokenizing once, then encoding) is done a single time.
// Resolution is lazy: only the stages whose outputs are requested run, and
// each stage runs only as far as the last output that is needed.
package pipeline

import (
	"errors"
	"fmt"
	"slices"

	"github.com/chaz8081/mddprep/internal/records"
)

// ComputeFunc computes one output of a stage.
type ComputeFunc func(s *Scope) (any, error)

// Output is one named value produced by a stage.
type Output struct {
	Name    string
	Compute ComputeFunc
}

// Stage declares its inputs and its ordered outputs.
type Stage struct {
	Name    string
	Takes   []string
	Outputs []Output
}

// Provides returns the output names in the order they are computed.
func (s *Stage) Provides() []string {
	names := make([]string, len(s.Outputs))
	for i, o := range s.Outputs {
		names[i] = o.Name
	}
	return names
}

// Scope gives a running stage access to its inputs and to outputs it has
// already produced in the current invocation.
type Scope struct {
	stage    *Stage
	recordID string
	inputs   map[string]any
	produced []any
}

// RecordID returns the id of the record being resolved.
func (s *Scope) RecordID() string { return s.recordID }

// Take returns the input named name. It panics if the stage does not
// declare name in Takes, which is a wiring bug.
func (s *Scope) Take(name string) any {
	v, ok := s.inputs[name]
	if !ok {
		panic(fmt.Sprintf("pipeline: stage %q does not take %q", s.stage.Name, name))
	}
	return v
}

// Prev returns an output produced earlier in this invocation.
func (s *Scope) Prev(name string) (any, bool) {
	for i, v := range s.produced {
		if s.stage.Outputs[i].Name == name {
			return v, true
		}
	}
	return nil, false
}

// Input returns a typed input of the running stage.
func Input[T any](s *Scope, name string) (T, error) {
	v, ok := s.Take(name).(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("pipeline: input %q of stage %q has type %T, want %T", name, s.stage.Name, s.Take(name), zero)
	}
	return v, nil
}

// Earlier returns a typed output produced earlier in this invocation.
func Earlier[T any](s *Scope, name string) (T, error) {
	var zero T
	raw, ok := s.Prev(name)
	if !ok {
		return zero, fmt.Errorf("pipeline: stage %q has not produced %q yet", s.stage.Name, name)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("pipeline: output %q of stage %q has type %T, want %T", name, s.stage.Name, raw, zero)
	}
	return v, nil
}

// ErrMissingField matches any *MissingFieldError with errors.Is.
var ErrMissingField = errors.New("missing field")

// ErrCycle is returned when stages depend on each other's outputs.
var ErrCycle = errors.New("pipeline: dependency cycle")

// MissingFieldError reports a field that is neither a raw record attribute
// nor provided by a registered stage. Record is empty when the error was
// found while planning, before any record was touched.
type MissingFieldError struct {
	Field  string
	Record string
}

func (e *MissingFieldError) Error() string {
	if e.Record == "" {
		return fmt.Sprintf("pipeline: no stage or raw attribute provides %q", e.Field)
	}
	return fmt.Sprintf("pipeline: utterance %q has no attribute %q", e.Record, e.Field)
}

// Is lets errors.Is(err, ErrMissingField) match.
func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMissingField
}

type provider struct {
	stage *Stage
	index int
}

// Registry holds the stages available to resolve fields. Register all
// stages before resolving; Resolve and Plan only read the registry and are
// safe for concurrent use.
type Registry struct {
	stages    []*Stage
	providers map[string]provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]provider)}
}

// Register adds a stage. Each field may be provided by one stage only.
func (r *Registry) Register(st *Stage) error {
	if st == nil || st.Name == "" {
		return errors.New("pipeline: stage must have a name")
	}
	if len(st.Outputs) == 0 {
		return fmt.Errorf("pipeline: stage %q provides nothing", st.Name)
	}
	for _, existing := range r.stages {
		if existing.Name == st.Name {
			return fmt.Errorf("pipeline: stage %q already registered", st.Name)
		}
	}

	seen := make(map[string]struct{}, len(st.Outputs))
	for _, o := range st.Outputs {
		if o.Name == "" || o.Compute == nil {
			return fmt.Errorf("pipeline: stage %q has an unnamed or empty output", st.Name)
		}
		if _, dup := seen[o.Name]; dup {
			return fmt.Errorf("pipeline: stage %q provides %q twice", st.Name, o.Name)
		}
		seen[o.Name] = struct{}{}
		if p, taken := r.providers[o.Name]; taken {
			return fmt.Errorf("pipeline: %q is already provided by stage %q", o.Name, p.stage.Name)
		}
		if slices.Contains(st.Takes, o.Name) {
			return fmt.Errorf("pipeline: stage %q takes its own output %q", st.Name, o.Name)
		}
	}

	for i, o := range st.Outputs {
		r.providers[o.Name] = provider{stage: st, index: i}
	}
	r.stages = append(r.stages, st)
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(stages ...*Stage) {
	for _, st := range stages {
		if err := r.Register(st); err != nil {
			panic(err)
		}
	}
}

// Provides reports whether a registered stage provides field.
func (r *Registry) Provides(field string) bool {
	_, ok := r.providers[field]
	return ok
}

// Stages returns the registered stages in registration order.
func (r *Registry) Stages() []*Stage {
	return slices.Clone(r.stages)
}

// Plan is the result of statically checking a projection.
type Plan struct {
	Fields []string
	// Stages lists the stages that resolving Fields runs, dependencies first.
	Stages []string
}

// Plan checks that every requested field, and everything the needed stages
// take, is either provided by a stage or present in rawKeys. It touches no
// record, so wiring mistakes surface before any data is processed.
func (r *Registry) Plan(requested []string, rawKeys []string) (*Plan, error) {
	raw := make(map[string]struct{}, len(rawKeys))
	for _, k := range rawKeys {
		raw[k] = struct{}{}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[*Stage]int)
	var order []string

	var visitField func(name string) error
	visitStage := func(st *Stage) error {
		switch state[st] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w through stage %q", ErrCycle, st.Name)
		}
		state[st] = visiting
		for _, in := range st.Takes {
			if err := visitField(in); err != nil {
				return err
			}
		}
		state[st] = done
		order = append(order, st.Name)
		return nil
	}
	visitField = func(name string) error {
		if p, ok := r.providers[name]; ok {
			return visitStage(p.stage)
		}
		if _, ok := raw[name]; ok {
			return nil
		}
		return &MissingFieldError{Field: name}
	}

	for _, f := range requested {
		if err := visitField(f); err != nil {
			return nil, err
		}
	}
	return &Plan{Fields: slices.Clone(requested), Stages: order}, nil
}

// Resolve computes the requested fields for one record. Values computed
// along the way are shared within this call only.
func (r *Registry) Resolve(rec records.Record, requested []string) (map[string]any, error) {
	ev := &evaluation{
		reg:      r,
		rec:      rec,
		values:   make(map[string]any),
		scopes:   make(map[*Stage]*Scope),
		visiting: make(map[*Stage]bool),
	}
	out := make(map[string]any, len(requested))
	for _, f := range requested {
		v, err := ev.field(f)
		if err != nil {
			return nil, err
		}
		out[f] = v
	}
	return out, nil
}

type evaluation struct {
	reg      *Registry
	rec      records.Record
	values   map[string]any
	scopes   map[*Stage]*Scope
	visiting map[*Stage]bool
}

func (ev *evaluation) field(name string) (any, error) {
	if v, ok := ev.values[name]; ok {
		return v, nil
	}
	if p, ok := ev.reg.providers[name]; ok {
		if err := ev.advance(p.stage, p.index); err != nil {
			return nil, err
		}
		return ev.values[name], nil
	}
	if v, ok := ev.rec.Get(name); ok {
		ev.values[name] = v
		return v, nil
	}
	return nil, &MissingFieldError{Field: name, Record: ev.rec.ID}
}

// advance runs st until its output at index upto has been produced.
func (ev *evaluation) advance(st *Stage, upto int) error {
	sc := ev.scopes[st]
	if sc == nil {
		if ev.visiting[st] {
			return fmt.Errorf("%w through stage %q", ErrCycle, st.Name)
		}
		ev.visiting[st] = true
		inputs := make(map[string]any, len(st.Takes))
		for _, in := range st.Takes {
			v, err := ev.field(in)
			if err != nil {
				return err
			}
			inputs[in] = v
		}
		ev.visiting[st] = false
		sc = &Scope{stage: st, recordID: ev.rec.ID, inputs: inputs}
		ev.scopes[st] = sc
	}

	for len(sc.produced) <= upto {
		out := st.Outputs[len(sc.produced)]
		v, err := out.Compute(sc)
		if err != nil {
			return fmt.Errorf("pipeline: utterance %q: stage %q: %s: %w", ev.rec.ID, st.Name, out.Name, err)
		}
		sc.produced = append(sc.produced, v)
		ev.values[out.Name] = v
	}
	return nil
}
