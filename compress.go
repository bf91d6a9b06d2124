package vidrelay

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

var durationPattern = regexp.MustCompile(`Duration: (\d{2}):(\d{2}):(\d{2})`)

// Compressor re-encodes a local file toward a target bitrate computed
// from its duration and size. It is strictly best-effort: on any failure,
// or whenever the result would not be meaningfully smaller, the original
// path is returned unchanged.
type Compressor struct {
	binary          string
	workDir         string
	skipBelow       int64
	minTargetBytes  int64
	minValidSize    int64
	defaultDuration time.Duration
}

// NewCompressor builds a compressor driving an ffmpeg-compatible encoder.
// Inputs under 10 MiB are left alone; targets aim for half the input size,
// floored at 5 MiB.
func NewCompressor(opts ...CompressorOption) *Compressor {
	c := &Compressor{
		binary:          "ffmpeg",
		workDir:         "temp_videos",
		skipBelow:       10 * 1024 * 1024,
		minTargetBytes:  5 * 1024 * 1024,
		minValidSize:    MinValidArtifactSize,
		defaultDuration: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Available reports whether the external encoder can be invoked. Its
// absence downgrades compression to a no-op, never an error.
func (c *Compressor) Available() bool {
	return exec.Command(c.binary, "-version").Run() == nil
}

// Compress returns a path to a file no larger than the input: either a
// freshly encoded artifact, a previously encoded one, or the input itself.
func (c *Compressor) Compress(ctx context.Context, inputPath, itemID string) string {
	out := filepath.Join(c.workDir, "compressed_"+itemID+".mp4")

	if fi, err := os.Stat(out); err == nil && fi.Size() > c.minValidSize {
		log.WithFields(log.Fields{"item": itemID, "path": out, "bytes": fi.Size()}).
			Info("Reusing existing compressed artifact")
		return out
	}

	in, err := os.Stat(inputPath)
	if err != nil {
		log.WithError(err).Warn("Cannot stat compression input, using original")
		return inputPath
	}
	if in.Size() < c.skipBelow {
		log.WithFields(log.Fields{"item": itemID, "bytes": in.Size()}).
			Info("Input already small, skipping compression")
		return inputPath
	}
	if !c.Available() {
		log.Warn("Encoder not available, using original file")
		return inputPath
	}

	duration := c.probeDuration(ctx, inputPath)
	targetBytes := in.Size() / 2
	if targetBytes < c.minTargetBytes {
		targetBytes = c.minTargetBytes
	}
	secs := int64(duration / time.Second)
	if secs < 1 {
		secs = 1
	}
	bitrate := targetBytes * 8 / secs

	log.WithFields(log.Fields{
		"item":    itemID,
		"target":  targetBytes,
		"bitrate": bitrate,
	}).Info("Compressing video")

	cmd := exec.CommandContext(ctx, c.binary,
		"-i", inputPath,
		"-c:v", "libx264", "-preset", "fast",
		"-b:v", strconv.FormatInt(bitrate, 10),
		"-maxrate", strconv.FormatInt(bitrate*3/2, 10),
		"-bufsize", strconv.FormatInt(bitrate*2, 10),
		"-c:a", "aac", "-b:a", "128k",
		"-y", out,
	)
	if err := cmd.Run(); err != nil {
		log.WithError(err).Warn("Encoder failed, using original file")
		os.Remove(out)
		return inputPath
	}

	fi, err := os.Stat(out)
	if err != nil {
		log.Warn("Encoder produced no output, using original file")
		return inputPath
	}
	// Anything short of a ~10% reduction is not worth publishing; discard
	// it so the reuse check above cannot pick up a rejected artifact.
	if fi.Size()*10 > in.Size()*9 {
		log.WithFields(log.Fields{"in": in.Size(), "out": fi.Size()}).
			Info("Compression gain too small, using original file")
		os.Remove(out)
		return inputPath
	}

	log.WithFields(log.Fields{
		"item": itemID,
		"in":   in.Size(),
		"out":  fi.Size(),
	}).Info("Compression complete")
	return out
}

// probeDuration extracts the source duration from the encoder's
// diagnostic output, falling back to a fixed default when it cannot be
// parsed.
func (c *Compressor) probeDuration(ctx context.Context, inputPath string) time.Duration {
	cmd := exec.CommandContext(ctx, c.binary, "-i", inputPath, "-f", "null", "-")
	// The duration line goes to stderr; the exit code is irrelevant.
	combined, _ := cmd.CombinedOutput()
	d, ok := parseDuration(string(combined))
	if !ok {
		log.WithField("default", c.defaultDuration).Warn("Could not determine duration, assuming default")
		return c.defaultDuration
	}
	return d
}

// parseDuration finds an HH:MM:SS duration in encoder diagnostics.
func parseDuration(diag string) (time.Duration, bool) {
	m := durationPattern.FindStringSubmatch(diag)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	s, _ := strconv.Atoi(m[3])
	d := time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute + time.Duration(s)*time.Second
	if d == 0 {
		return 0, false
	}
	return d, true
}
