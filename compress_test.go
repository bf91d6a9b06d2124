package vidrelay

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drgo/vidrelay/testutils"
)

func writeInput(t *testing.T, dir string, size int) string {
	t.Helper()
	path := filepath.Join(dir, "original_7.mp4")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("v"), size), 0o644))
	return path
}

func TestCompressSkipsSmallInputs(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, 1024)

	c := NewCompressor(
		WithEncoderBinary(filepath.Join(dir, "no-such-encoder")),
		WithCompressorWorkDir(dir),
	)
	got := c.Compress(context.Background(), input, "7")
	assert.Equal(t, input, got, "small inputs must not be touched")
}

func TestCompressFallsBackWhenEncoderMissing(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, 1024)

	c := NewCompressor(
		WithEncoderBinary(filepath.Join(dir, "no-such-encoder")),
		WithCompressorWorkDir(dir),
		WithSkipBelow(1),
	)
	got := c.Compress(context.Background(), input, "7")
	assert.Equal(t, input, got)
}

func TestCompressProducesSmallerArtifact(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, 100*1024)
	bin := testutils.EncoderScript(t, dir, "00:01:30", 40*1024)

	c := NewCompressor(
		WithEncoderBinary(bin),
		WithCompressorWorkDir(dir),
		WithSkipBelow(1),
	)
	got := c.Compress(context.Background(), input, "7")
	assert.Equal(t, filepath.Join(dir, "compressed_7.mp4"), got)

	fi, err := os.Stat(got)
	require.NoError(t, err)
	assert.Equal(t, int64(40*1024), fi.Size())
}

func TestCompressRejectsWeakGain(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, 100*1024)
	// 95% of the input: short of the required reduction.
	bin := testutils.EncoderScript(t, dir, "00:01:30", 95*1024)

	c := NewCompressor(
		WithEncoderBinary(bin),
		WithCompressorWorkDir(dir),
		WithSkipBelow(1),
	)
	got := c.Compress(context.Background(), input, "7")
	assert.Equal(t, input, got)

	_, err := os.Stat(filepath.Join(dir, "compressed_7.mp4"))
	assert.True(t, os.IsNotExist(err), "rejected artifact must be removed")
}

func TestCompressSurvivesEncoderFailure(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, 100*1024)
	bin := testutils.FailingEncoderScript(t, dir)

	c := NewCompressor(
		WithEncoderBinary(bin),
		WithCompressorWorkDir(dir),
		WithSkipBelow(1),
	)
	got := c.Compress(context.Background(), input, "7")
	assert.Equal(t, input, got)
}

func TestCompressReusesExistingArtifact(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, 100*1024)
	existing := filepath.Join(dir, "compressed_7.mp4")
	require.NoError(t, os.WriteFile(existing, bytes.Repeat([]byte("c"), 2*1024*1024), 0o644))

	// The encoder is absent; reuse must short-circuit before it matters.
	c := NewCompressor(
		WithEncoderBinary(filepath.Join(dir, "no-such-encoder")),
		WithCompressorWorkDir(dir),
		WithSkipBelow(1),
	)
	got := c.Compress(context.Background(), input, "7")
	assert.Equal(t, existing, got)
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		name string
		diag string
		want time.Duration
		ok   bool
	}{
		{"typical stderr line", "Input #0\n  Duration: 00:12:34, start: 0.000000, bitrate: 1000 kb/s", 12*time.Minute + 34*time.Second, true},
		{"hours counted", "Duration: 01:00:05, start", time.Hour + 5*time.Second, true},
		{"zero duration rejected", "Duration: 00:00:00, start", 0, false},
		{"no duration line", "some unrelated output", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseDuration(tc.diag)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
