package vidrelay

import (
	"math/rand"
	"time"
)

// SourceOption configures an HTTPSource.
type SourceOption func(*HTTPSource)

// WithSourceChunkSize sets the per-request chunk size.
func WithSourceChunkSize(n int64) SourceOption {
	return func(s *HTTPSource) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithSourceIdleTimeout sets how long a single body read may hang before
// the chunk is abandoned and retried.
func WithSourceIdleTimeout(d time.Duration) SourceOption {
	return func(s *HTTPSource) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// DestOption configures an HTTPDestination.
type DestOption func(*HTTPDestination)

// WithDestChunkSize sets the per-request chunk size.
func WithDestChunkSize(n int64) DestOption {
	return func(d *HTTPDestination) {
		if n > 0 {
			d.chunkSize = n
		}
	}
}

// DownloaderOption configures a Downloader.
type DownloaderOption func(*Downloader)

// WithDownloadRetries bounds the per-chunk attempt count.
func WithDownloadRetries(n int) DownloaderOption {
	return func(d *Downloader) {
		if n > 0 {
			d.maxRetries = n
		}
	}
}

// WithDownloadBackoff overrides the retry delay policy.
func WithDownloadBackoff(p backoffPolicy) DownloaderOption {
	return func(d *Downloader) { d.policy = p }
}

// WithMinValidSize sets the size floor above which an existing artifact
// is reused without re-fetching.
func WithMinValidSize(n int64) DownloaderOption {
	return func(d *Downloader) {
		if n > 0 {
			d.minValidSize = n
		}
	}
}

// WithDownloadProgress sets the observability sink for download progress.
func WithDownloadProgress(fn ProgressFunc) DownloaderOption {
	return func(d *Downloader) { d.progress = fn }
}

// CompressorOption configures a Compressor.
type CompressorOption func(*Compressor)

// WithEncoderBinary sets the external encoder executable.
func WithEncoderBinary(bin string) CompressorOption {
	return func(c *Compressor) {
		if bin != "" {
			c.binary = bin
		}
	}
}

// WithCompressorWorkDir sets where compressed artifacts are written.
func WithCompressorWorkDir(dir string) CompressorOption {
	return func(c *Compressor) {
		if dir != "" {
			c.workDir = dir
		}
	}
}

// WithSkipBelow sets the input size under which compression is skipped.
func WithSkipBelow(n int64) CompressorOption {
	return func(c *Compressor) {
		if n > 0 {
			c.skipBelow = n
		}
	}
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithUploadRetries bounds the attempt count across retryable failures.
func WithUploadRetries(n int) UploaderOption {
	return func(u *Uploader) {
		if n > 0 {
			u.maxRetries = n
		}
	}
}

// WithUploadBackoff overrides the retry delay policy.
func WithUploadBackoff(p backoffPolicy) UploaderOption {
	return func(u *Uploader) { u.policy = p }
}

// WithStallThreshold sets how many consecutive no-progress chunk
// completions are tolerated before the upload is treated as timed out.
func WithStallThreshold(n int) UploaderOption {
	return func(u *Uploader) {
		if n > 0 {
			u.stallThreshold = n
		}
	}
}

// WithUploadProgress sets the observability sink for upload progress.
func WithUploadProgress(fn ProgressFunc) UploaderOption {
	return func(u *Uploader) { u.progress = fn }
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithWorkDir sets the directory holding local artifacts.
func WithWorkDir(dir string) AgentOption {
	return func(a *Agent) {
		if dir != "" {
			a.workDir = dir
		}
	}
}

// WithDownloader replaces the default downloader.
func WithDownloader(f itemFetcher) AgentOption {
	return func(a *Agent) { a.fetcher = f }
}

// WithCompressor replaces the default compressor.
func WithCompressor(c itemCompressor) AgentOption {
	return func(a *Agent) { a.compressor = c }
}

// WithUploader replaces the default uploader.
func WithUploader(u itemUploader) AgentOption {
	return func(a *Agent) { a.uploader = u }
}

// WithRand seeds the selection policy's randomness; tests pin it.
func WithRand(r *rand.Rand) AgentOption {
	return func(a *Agent) {
		if r != nil {
			a.rand = r
		}
	}
}

// WithRandomPick tunes the probability of picking randomly among the
// nearest eligible items instead of strictly the lowest.
func WithRandomPick(p float64) AgentOption {
	return func(a *Agent) {
		if p >= 0 && p <= 1 {
			a.randomPick = p
		}
	}
}

// WithClock overrides the time source for stage-entry stamps.
func WithClock(now func() time.Time) AgentOption {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}
