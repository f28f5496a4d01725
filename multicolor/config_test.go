package multicolor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcore/scopectl/camera"
)

const listForm = `
filter_pos: 1
exposure: 0.2
gain: 100
num_frames: 3
save_path: /tmp/x
imaging_sequence:
  - ["488 nm", 3]
  - [laser4, 12.5]
  - {identifier: "561 nm", intensity: 7}
`

func TestParseUserConfig(t *testing.T) {
	u, err := ParseUserConfig([]byte(listForm))
	require.NoError(t, err)
	assert.Equal(t, []SequenceEntry{{"488 nm", 3}, {"laser4", 12.5}, {"561 nm", 7}}, u.ImagingSequence)
	f, err := u.Format()
	require.NoError(t, err)
	assert.Equal(t, camera.FITS, f)

	b, err := WriteUserConfig(u)
	require.NoError(t, err)
	back, err := ParseUserConfig(b)
	require.NoError(t, err)
	assert.Equal(t, u, back)
}

func TestParseUserConfigRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "filter_pos: 1\nbogus: 2\n",
		"bad entry":       "filter_pos: 1\nexposure: 1\ngain: 1\nnum_frames: 1\nsave_path: x\nimaging_sequence:\n  - [a, b, c]\n",
		"no frames":       "filter_pos: 1\nexposure: 1\ngain: 1\nnum_frames: 0\nsave_path: x\nimaging_sequence:\n  - [a, 1]\n",
		"intensity range": "filter_pos: 1\nexposure: 1\ngain: 1\nnum_frames: 1\nsave_path: x\nimaging_sequence:\n  - [a, 101]\n",
		"empty sequence":  "filter_pos: 1\nexposure: 1\ngain: 1\nnum_frames: 1\nsave_path: x\n",
		"format":          "filter_pos: 1\nexposure: 1\ngain: 1\nnum_frames: 1\nsave_path: x\nfile_format: png\nimaging_sequence:\n  - [a, 1]\n",
		"not yaml":        "[[[",
	}
	for name, in := range cases {
		_, err := ParseUserConfig([]byte(in))
		assert.ErrorIs(t, err, ErrUserConfig, name)
	}
}

func TestMockWheelLag(t *testing.T) {
	w := NewMockWheel()
	w.Lag = 1
	require.NoError(t, w.SetPosition(4))
	p, _ := w.Position()
	assert.Equal(t, 1, p)
	p, _ = w.Position()
	assert.Equal(t, 4, p)
	assert.Error(t, w.SetPosition(7))
}
