package download

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBandwidthRate_Valid(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"0", 0},
		{"", 0},
		{"5MB/s", 5_000_000},
		{"100KB/s", 100_000},
		{"1GB/s", 1_000_000_000},
		{"10MiB/s", 10_485_760},
		{"1024", 1024},
		{"5MB", 5_000_000},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := parseBandwidthRate(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseBandwidthRate_Invalid(t *testing.T) {
	tests := []string{
		"abc",
		"-1MB/s",
		"not-a-number/s",
	}

	for _, tc := range tests {
		t.Run(tc, func(t *testing.T) {
			_, err := parseBandwidthRate(tc)
			assert.Error(t, err)
		})
	}
}

func TestNewBandwidthLimiter_Unlimited(t *testing.T) {
	bl, err := NewBandwidthLimiter("0", testLogger())
	require.NoError(t, err)
	assert.Nil(t, bl, "zero limit should return nil (unlimited)")
}

func TestNewBandwidthLimiter_Empty(t *testing.T) {
	bl, err := NewBandwidthLimiter("", testLogger())
	require.NoError(t, err)
	assert.Nil(t, bl)
}

func TestNewBandwidthLimiter_Static(t *testing.T) {
	bl, err := NewBandwidthLimiter("1MB/s", testLogger())
	require.NoError(t, err)
	require.NotNil(t, bl)
	assert.NotNil(t, bl.limiter)
}

func TestNewBandwidthLimiter_Invalid(t *testing.T) {
	_, err := NewBandwidthLimiter("garbage", testLogger())
	assert.Error(t, err)
}

func TestRateLimitedReader_Throttles(t *testing.T) {
	bl, err := NewBandwidthLimiter("1KB/s", testLogger())
	require.NoError(t, err)
	require.NotNil(t, bl)

	data := make([]byte, 4000)
	reader := bl.WrapReader(context.Background(), bytes.NewReader(data))

	start := time.Now()
	buf := make([]byte, 1024)

	var total int

	for total < len(data) {
		n, readErr := reader.Read(buf)
		total += n

		if readErr == io.EOF {
			break
		}

		require.NoError(t, readErr)
	}

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond, "rate-limited read should be throttled")
}

func TestRateLimitedWriter_Throttles(t *testing.T) {
	bl, err := NewBandwidthLimiter("1KB/s", testLogger())
	require.NoError(t, err)
	require.NotNil(t, bl)

	var buf bytes.Buffer
	writer := bl.WrapWriter(context.Background(), &buf)

	chunk := make([]byte, 1024)
	start := time.Now()

	for i := 0; i < 4; i++ {
		n, writeErr := writer.Write(chunk)
		require.NoError(t, writeErr, "chunk %d", i)
		assert.Equal(t, len(chunk), n)
	}

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond, "rate-limited write should be throttled")
}

func TestRateLimitedReader_ContextCancel(t *testing.T) {
	bl, err := NewBandwidthLimiter("1KB/s", testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	data := strings.NewReader(strings.Repeat("x", 100000))
	reader := bl.WrapReader(ctx, data)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	buf := make([]byte, 512)

	var readErr error

	for {
		_, readErr = reader.Read(buf)
		if readErr != nil {
			break
		}
	}

	assert.ErrorIs(t, readErr, context.Canceled)
}

func TestBandwidthLimiter_WrapReader_NilReceiver(t *testing.T) {
	r := strings.NewReader("data")

	var bl *BandwidthLimiter

	got := bl.WrapReader(context.Background(), r)
	assert.Equal(t, r, got, "nil BandwidthLimiter should return original reader")
}

func TestBandwidthLimiter_WrapWriter_NilReceiver(t *testing.T) {
	var buf bytes.Buffer

	var bl *BandwidthLimiter

	got := bl.WrapWriter(context.Background(), &buf)
	assert.Equal(t, &buf, got, "nil BandwidthLimiter should return original writer")
}

func TestBandwidthLimiter_WrapReader_NonNil(t *testing.T) {
	bl, err := NewBandwidthLimiter("100MB/s", testLogger())
	require.NoError(t, err)
	require.NotNil(t, bl)

	input := "hello bandwidth"
	r := strings.NewReader(input)
	wrapped := bl.WrapReader(context.Background(), r)

	data, err := io.ReadAll(wrapped)
	require.NoError(t, err)
	assert.Equal(t, input, string(data))
}

func TestBandwidthLimiter_WrapWriter_NonNil(t *testing.T) {
	bl, err := NewBandwidthLimiter("100MB/s", testLogger())
	require.NoError(t, err)
	require.NotNil(t, bl)

	var buf bytes.Buffer
	wrapped := bl.WrapWriter(context.Background(), &buf)

	input := []byte("hello bandwidth writer")
	n, err := wrapped.Write(input)
	require.NoError(t, err)
	assert.Equal(t, len(input), n)
	assert.Equal(t, input, buf.Bytes())
}
