package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcore/scopectl/laser"
	"github.com/labcore/scopectl/multicolor"
)

func writeSequence(t *testing.T, u multicolor.UserConfig) string {
	b, err := multicolor.WriteUserConfig(u)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "sequence.yml")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func sequence(entries ...multicolor.SequenceEntry) multicolor.UserConfig {
	return multicolor.UserConfig{
		FilterPos:       1,
		Exposure:        0.01,
		Gain:            1,
		NumFrames:       2,
		SavePath:        "/tmp/seqrun",
		ImagingSequence: entries,
	}
}

func TestCheckPrintsResolvedSteps(t *testing.T) {
	path := writeSequence(t, sequence(
		multicolor.SequenceEntry{Identifier: "488 nm", Intensity: 10},
		multicolor.SequenceEntry{Identifier: "laser4", Intensity: 20.5},
	))
	var out bytes.Buffer
	require.NoError(t, run(path, true, "error", &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"1", "laser2", "10.00"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"2", "laser4", "20.50"}, strings.Fields(lines[1]))
}

func TestCheckRejects(t *testing.T) {
	var out bytes.Buffer
	path := writeSequence(t, sequence(multicolor.SequenceEntry{Identifier: "999 nm", Intensity: 1}))
	assert.ErrorIs(t, run(path, true, "error", &out), laser.ErrUnknownLaser)

	bad := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("filter_pos: 1\nbogus: 2\n"), 0o644))
	assert.ErrorIs(t, run(bad, true, "error", &out), multicolor.ErrUserConfig)

	missing := filepath.Join(t.TempDir(), "missing.yml")
	assert.ErrorIs(t, run(missing, true, "error", &out), multicolor.ErrUserConfig)

	assert.Error(t, run(path, true, "loud", &out))
	assert.Empty(t, out.String())
}
