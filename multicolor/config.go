package multicolor

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/labcore/scopectl/camera"
	"gopkg.in/yaml.v2"
)

// ErrUserConfig is wrapped by every error loading or validating a user config
var ErrUserConfig = errors.New("invalid imaging sequence config")

// SequenceEntry is one (laser, intensity) pair of an imaging sequence.
// Identifier is a laser label ("laser2") or a wavelength ("488 nm").
//
// In YAML an entry is either a two element list or a mapping:
//
//	imaging_sequence:
//	  - ["488 nm", 3]
//	  - {identifier: "561 nm", intensity: 10}
type SequenceEntry struct {
	Identifier string  `yaml:"identifier" json:"identifier"`
	Intensity  float64 `yaml:"intensity" json:"intensity"`
}

// UnmarshalYAML accepts the list and the mapping form
func (e *SequenceEntry) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var pair []interface{}
	if err := unmarshal(&pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("sequence entry must have 2 elements, got %d", len(pair))
		}
		id, ok := pair[0].(string)
		if !ok {
			return fmt.Errorf("sequence entry identifier %v is not a string", pair[0])
		}
		var intens float64
		switch v := pair[1].(type) {
		case int:
			intens = float64(v)
		case float64:
			intens = v
		default:
			return fmt.Errorf("sequence entry intensity %v is not a number", pair[1])
		}
		e.Identifier, e.Intensity = id, intens
		return nil
	}
	type plain SequenceEntry
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}
	*e = SequenceEntry(p)
	return nil
}

// MarshalYAML writes the list form
func (e SequenceEntry) MarshalYAML() (interface{}, error) {
	return []interface{}{e.Identifier, e.Intensity}, nil
}

// UserConfig is the user supplied description of an imaging sequence
type UserConfig struct {
	// FilterPos is the 1-based filter wheel position used for the whole sequence
	FilterPos int `yaml:"filter_pos" json:"filter_pos"`

	// Exposure is in seconds
	Exposure float64 `yaml:"exposure" json:"exposure"`

	Gain int `yaml:"gain" json:"gain"`

	// NumFrames is the number of frames per sequence entry
	NumFrames int `yaml:"num_frames" json:"num_frames"`

	SavePath string `yaml:"save_path" json:"save_path"`

	// FileFormat is fits or tiff, fits if empty
	FileFormat string `yaml:"file_format,omitempty" json:"file_format,omitempty"`

	ImagingSequence []SequenceEntry `yaml:"imaging_sequence" json:"imaging_sequence"`
}

// Format returns the spool format
func (u UserConfig) Format() (camera.FileFormat, error) {
	if u.FileFormat == "" {
		return camera.FITS, nil
	}
	return camera.ParseFileFormat(u.FileFormat)
}

// Validate checks the config for values no camera or laser would accept
func (u UserConfig) Validate() error {
	bad := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrUserConfig, fmt.Sprintf(format, args...))
	}
	if u.FilterPos < 1 {
		return bad("filter_pos must be >= 1, got %d", u.FilterPos)
	}
	if !(u.Exposure > 0) {
		return bad("exposure must be positive, got %g", u.Exposure)
	}
	if u.Gain < 0 {
		return bad("gain must be >= 0, got %d", u.Gain)
	}
	if u.NumFrames < 1 {
		return bad("num_frames must be >= 1, got %d", u.NumFrames)
	}
	if u.SavePath == "" {
		return bad("save_path is empty")
	}
	if _, err := u.Format(); err != nil {
		return bad("%v", err)
	}
	if len(u.ImagingSequence) == 0 {
		return bad("imaging_sequence is empty")
	}
	for i, e := range u.ImagingSequence {
		if e.Identifier == "" {
			return bad("imaging_sequence[%d] has no identifier", i)
		}
		if !(e.Intensity >= 0 && e.Intensity <= 100) {
			return bad("imaging_sequence[%d] intensity %g outside [0, 100]", i, e.Intensity)
		}
	}
	return nil
}

// ParseUserConfig decodes and validates a YAML user config.  Unknown keys
// are rejected.
func ParseUserConfig(b []byte) (UserConfig, error) {
	var u UserConfig
	if err := yaml.UnmarshalStrict(b, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrUserConfig, err)
	}
	return u, u.Validate()
}

// LoadUserConfig reads and parses a YAML user config file
func LoadUserConfig(path string) (UserConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return UserConfig{}, fmt.Errorf("%w: %v", ErrUserConfig, err)
	}
	return ParseUserConfig(b)
}

// WriteUserConfig encodes a user config as YAML
func WriteUserConfig(u UserConfig) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(u); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
