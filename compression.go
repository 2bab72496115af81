package eitticket

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the algorithm applied to a codec frame body.
// Values are written into frames and must not change.
type CompressionTag uint8

const (
	CompressionNone CompressionTag = 0
	CompressionLZ4  CompressionTag = 1
	CompressionZstd CompressionTag = 2
)

// String returns the name used in configuration.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseCompressionTag parses a configuration name. The empty string means
// zstd.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "", "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("%w: compression %q", ErrInvalidType, name)
	}
}

var errIncompressible = errors.New("payload is incompressible")

// PayloadCompression decides whether and how to compress codec frames. It
// owns the zstd encoder and decoder, both safe for concurrent use.
type PayloadCompression struct {
	Threshold int
	Algorithm CompressionTag

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// NewPayloadCompression creates a compression policy. A non-positive
// threshold disables compression. Frames of every algorithm can be
// decompressed whatever algorithm is selected for writing.
func NewPayloadCompression(threshold int, algorithm CompressionTag) (*PayloadCompression, error) {
	c := &PayloadCompression{Threshold: threshold, Algorithm: algorithm}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder initialization failed: %w", err)
	}
	c.zstdDecoder = decoder
	if algorithm == CompressionZstd {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			decoder.Close()
			return nil, fmt.Errorf("zstd encoder initialization failed: %w", err)
		}
		c.zstdEncoder = encoder
	}
	return c, nil
}

// Close releases the zstd encoder and decoder.
func (c *PayloadCompression) Close() error {
	var err error
	if c.zstdEncoder != nil {
		err = c.zstdEncoder.Close()
	}
	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
	}
	return err
}

// ShouldCompress reports if data length exceeds threshold.
func (c *PayloadCompression) ShouldCompress(data []byte) bool {
	if c == nil || c.Threshold <= 0 || c.Algorithm == CompressionNone {
		return false
	}
	return len(data) > c.Threshold
}

// Compress returns the compressed body, or errIncompressible when the
// result would not be smaller.
func (c *PayloadCompression) Compress(data []byte) ([]byte, error) {
	switch c.Algorithm {
	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		dst := make([]byte, bound)
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	case CompressionZstd:
		out := c.zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", c.Algorithm)
	}
}

// Decompress reverses Compress for a body written with tag. rawLen is the
// original length recorded in the frame header.
func (c *PayloadCompression) Decompress(tag CompressionTag, body []byte, rawLen int) ([]byte, error) {
	switch tag {
	case CompressionLZ4:
		dst := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(body, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, rawLen)
		}
		return dst, nil
	case CompressionZstd:
		out, err := c.zstdDecoder.DecodeAll(body, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawLen {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawLen)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: compression tag %d", ErrMalformedFrame, tag)
	}
}
