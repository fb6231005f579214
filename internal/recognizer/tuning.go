package recognizer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning holds the recognizer parameters an operator may adjust without a rebuild.
type Tuning struct {
	Method          string   `yaml:"method"`
	ChunkFrames     int      `yaml:"chunk_frames"`
	EnergyThreshold float64  `yaml:"energy_threshold"`
	Endpoint        Endpoint `yaml:"endpoint"`
}

// Endpoint configures segment endpointing. All durations are in seconds.
type Endpoint struct {
	Enabled bool `yaml:"use_endpoint"`
	// Rule1 fires on trailing silence when nothing was decoded in the segment.
	Rule1MinTrailingSilence float64 `yaml:"rule1_min_trailing_silence"`
	// Rule2 fires on trailing silence after at least one token.
	Rule2MinTrailingSilence float64 `yaml:"rule2_min_trailing_silence"`
	// Rule3 fires once the segment is this long regardless of silence.
	Rule3MinUtteranceLength float64 `yaml:"rule3_min_utterance_length"`
}

// DefaultTuning returns the parameters used when no tuning file is given.
func DefaultTuning() Tuning {
	return Tuning{
		Method:          "greedy_search",
		ChunkFrames:     16,
		EnergyThreshold: 0.01,
		Endpoint: Endpoint{
			Enabled:                 true,
			Rule1MinTrailingSilence: 2.4,
			Rule2MinTrailingSilence: 1.2,
			Rule3MinUtteranceLength: 20,
		},
	}
}

// LoadTuning reads a YAML tuning file. Keys missing from the file keep their
// DefaultTuning values. An empty path returns the defaults.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read tuning: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse tuning %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning %s: %w", path, err)
	}
	return t, nil
}

// Validate rejects parameter combinations the Stub engine cannot run with.
func (t Tuning) Validate() error {
	switch t.Method {
	case "greedy_search", "modified_beam_search", "fast_beam_search":
	default:
		return fmt.Errorf("unsupported decoding method %q", t.Method)
	}
	if t.ChunkFrames < 1 {
		return fmt.Errorf("chunk_frames must be >= 1, got %d", t.ChunkFrames)
	}
	if t.EnergyThreshold < 0 {
		return fmt.Errorf("energy_threshold must be >= 0, got %g", t.EnergyThreshold)
	}
	return nil
}
