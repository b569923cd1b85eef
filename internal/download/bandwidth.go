package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// burstMultiplier controls the token bucket burst size relative to the
// per-second rate. A 2x burst allows short savings to be spent on the next
// read/write without reducing sustained throughput below the configured
// limit.
const burstMultiplier = 2

// BandwidthLimiter provides shared rate limiting across all download
// workers. A single limiter is shared by every worker's fetch, so aggregate
// throughput stays within the configured limit regardless of --threads-num.
type BandwidthLimiter struct {
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewBandwidthLimiter builds a limiter from a human string like "5MB/s" or
// "750KiB/s". Returns a nil *BandwidthLimiter (not an error) when limit is
// "0" or empty, meaning unlimited; callers use the nil-safe Wrap* methods.
func NewBandwidthLimiter(limit string, logger *slog.Logger) (*BandwidthLimiter, error) {
	bytesPerSec, err := parseBandwidthRate(limit)
	if err != nil {
		return nil, fmt.Errorf("bandwidth: parse limit %q: %w", limit, err)
	}

	if bytesPerSec == 0 {
		return nil, nil //nolint:nilnil // nil limiter means unlimited
	}

	burst := int(bytesPerSec) * burstMultiplier
	limiter := rate.NewLimiter(rate.Limit(bytesPerSec), burst)

	logger.Info("bandwidth limiter active", "bytes_per_sec", bytesPerSec, "burst", burst)

	return &BandwidthLimiter{limiter: limiter, logger: logger}, nil
}

// bandwidth size multipliers (decimal / SI).
const (
	bwKilobyte = 1000
	bwMegabyte = 1000 * bwKilobyte
	bwGigabyte = 1000 * bwMegabyte
)

// bandwidth size multipliers (binary / IEC).
const (
	bwKibibyte = 1024
	bwMebibyte = 1024 * bwKibibyte
	bwGibibyte = 1024 * bwMebibyte
)

// parseBandwidthRate parses strings like "5MB/s", "750KiB/s", "0" into
// bytes/sec. The "/s" suffix is optional and stripped before the unit is
// matched.
func parseBandwidthRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	normalized := s
	if idx := strings.LastIndexByte(normalized, '/'); idx >= 0 {
		normalized = normalized[:idx]
	}

	upper := strings.ToUpper(normalized)

	suffixes := []struct {
		suffix     string
		multiplier int64
	}{
		{"GIB", bwGibibyte},
		{"MIB", bwMebibyte},
		{"KIB", bwKibibyte},
		{"GB", bwGigabyte},
		{"MB", bwMegabyte},
		{"KB", bwKilobyte},
		{"B", 1},
	}

	for _, sf := range suffixes {
		if strings.HasSuffix(upper, sf.suffix) {
			numStr := strings.TrimSpace(normalized[:len(normalized)-len(sf.suffix)])
			return parseBandwidthNumber(numStr, sf.multiplier, s)
		}
	}

	n, err := strconv.ParseInt(normalized, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth rate %q: %w", s, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("invalid bandwidth rate %q: must be non-negative", s)
	}

	return n, nil
}

func parseBandwidthNumber(numStr string, multiplier int64, original string) (int64, error) {
	n, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth rate %q: %w", original, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("invalid bandwidth rate %q: must be non-negative", original)
	}

	return int64(n * float64(multiplier)), nil
}

// WrapReader returns a rate-limited io.Reader. If bl is nil, r is returned
// unchanged.
func (bl *BandwidthLimiter) WrapReader(ctx context.Context, r io.Reader) io.Reader {
	if bl == nil {
		return r
	}

	return &rateLimitedReader{r: r, limiter: bl.limiter, ctx: ctx}
}

// WrapWriter returns a rate-limited io.Writer. If bl is nil, w is returned
// unchanged.
func (bl *BandwidthLimiter) WrapWriter(ctx context.Context, w io.Writer) io.Writer {
	if bl == nil {
		return w
	}

	return &rateLimitedWriter{w: w, limiter: bl.limiter, ctx: ctx}
}

type rateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if waitErr := waitN(r.limiter, r.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

func (w *rateLimitedWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if n > 0 {
		if waitErr := waitN(w.limiter, w.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// waitN splits a large token request into burst-sized chunks, since
// rate.Limiter.WaitN rejects requests exceeding the burst size.
func waitN(limiter *rate.Limiter, ctx context.Context, n int) error {
	burst := limiter.Burst()

	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}

		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}
