// Package fusion enumerates the supported model feature-fusion modes and the
// data each one consumes.
package fusion

import (
	"fmt"

	"github.com/chaz8081/mddprep/internal/config"
	"github.com/chaz8081/mddprep/internal/records"
	"github.com/chaz8081/mddprep/internal/stages"
)

// Mode is a model feature-fusion configuration.
type Mode int

const (
	Mono Mode = iota
	MonoMisproBCE
	MonoCanonicalHybrid
	MonoAttentionV2
	MonoAttentionV3
	DualSSL
	DualSSLResidual
	DualSSLHybrid
)

// Descriptor is what the data side needs to know about a mode.
type Descriptor struct {
	Name  string // configuration value
	Model string // model class trained by this mode
	// Encoders is the number of SSL encoders (perceived, and canonical for dual modes).
	Encoders int
	// CanonicalInput is set when the model embeds canonical phonemes.
	CanonicalInput bool
	// MisproTarget is set when the model trains on mispronunciation labels.
	MisproTarget bool
}

var descriptors = [...]Descriptor{
	Mono:                {Name: "mono", Model: "PhnMonoSSLModel", Encoders: 1},
	MonoMisproBCE:       {Name: "mono_misproBCE", Model: "PhnMonoSSLModel_misproBCE", Encoders: 1, MisproTarget: true},
	MonoCanonicalHybrid: {Name: "mono_with_canoPhnEmb_Hybrid_CTC_Attention", Model: "PhnMonoSSLModel_withcanoPhnEmb_Hybrid_CTC_Attention", Encoders: 1, CanonicalInput: true},
	MonoAttentionV2:     {Name: "mono_att_ver2", Model: "PhnMonoSSLModel_withcanoPhnEmb_Hybrid_CTC_Attention_Ver2", Encoders: 1, CanonicalInput: true},
	MonoAttentionV3:     {Name: "mono_att_ver3", Model: "PhnMonoSSLModel_withcanoPhnEmb_Hybrid_CTC_Attention_Ver3", Encoders: 1, CanonicalInput: true},
	DualSSL:             {Name: "dual_ssl_enc", Model: "PhnDualSSLModel", Encoders: 2},
	DualSSLResidual:     {Name: "dual_ssl_enc_with_simple_residual", Model: "PhnDualSSLModel_with_SimpleResidual", Encoders: 2},
	DualSSLHybrid:       {Name: "dual_ssl_enc_hybrid_ctc_attention", Model: "PhnDualSSLModel_Hybrid_CTC_Attention", Encoders: 2, CanonicalInput: true},
}

// Modes returns all supported modes.
func Modes() []Mode {
	out := make([]Mode, len(descriptors))
	for i := range descriptors {
		out[i] = Mode(i)
	}
	return out
}

// ParseMode parses a feature_fusion option value.
func ParseMode(s string) (Mode, error) {
	for i, d := range descriptors {
		if d.Name == s {
			return Mode(i), nil
		}
	}
	allowed := make([]string, len(descriptors))
	for i, d := range descriptors {
		allowed[i] = d.Name
	}
	return Mono, &config.ConfigurationError{Option: "feature_fusion", Value: s, Allowed: allowed}
}

// Descriptor returns the static description of m.
func (m Mode) Descriptor() Descriptor {
	if m < 0 || int(m) >= len(descriptors) {
		panic(fmt.Sprintf("fusion: unknown mode %d", int(m)))
	}
	return descriptors[m]
}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(descriptors) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return descriptors[m].Name
}

// Projection is the set of fields materialized per split.
type Projection struct {
	Train []string
	Eval  []string
}

// evalFields is the full projection of the aligned pipeline.
var evalFields = []string{
	records.KeyID,
	stages.Sig,
	stages.PhnEncodedTarget,
	stages.PhnEncodedCanonical,
	stages.PhnEncodedPerceived,
	stages.PhnListTarget,
	stages.PhnListCanonical,
	stages.PhnListPerceived,
	records.KeyWords,
	stages.MisproLabel,
}

// Projection returns the fields mode m needs. aligned reports whether the
// training split runs the aligned text stage; with the target-only stage
// the training split exposes just the signal and target encoding, unless
// the mode cannot train on that.
func (m Mode) Projection(aligned bool) (Projection, error) {
	d := m.Descriptor()
	if !aligned {
		if d.CanonicalInput || d.MisproTarget {
			return Projection{}, fmt.Errorf("fusion: mode %s needs canonical or mispronunciation data; set pipeline: aligned", d.Name)
		}
		return Projection{
			Train: []string{records.KeyID, stages.Sig, stages.PhnEncodedTarget},
			Eval:  []string{records.KeyID, stages.Sig, stages.PhnEncodedTarget, stages.PhnEncodedCanonical, stages.PhnEncodedPerceived},
		}, nil
	}
	return Projection{
		Train: append([]string(nil), evalFields...),
		Eval:  append([]string(nil), evalFields...),
	}, nil
}
