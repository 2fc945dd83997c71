package encoding

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Header bytes prefixed to every packed value
const (
	headerRaw  byte = 0
	headerZstd byte = 1
)

// Codec packs values as msgpack, compressing bodies above a size threshold.
// Encoders and decoders use the stateless *All APIs, which are goroutine safe.
type Codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewCodec creates a codec. threshold <= 0 disables compression.
// level follows the 1-4 scale used in configuration.
func NewCodec(threshold int, level int) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(ConfigLevelToZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{threshold: threshold, enc: enc, dec: dec}, nil
}

// Pack encodes v and prefixes it with a one byte header.
func (c *Codec) Pack(v interface{}) ([]byte, error) {
	body, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	if c.threshold <= 0 || len(body) < c.threshold {
		out := make([]byte, 0, len(body)+1)
		out = append(out, headerRaw)
		return append(out, body...), nil
	}

	out := make([]byte, 1, len(body)/2+1)
	out[0] = headerZstd
	return c.enc.EncodeAll(body, out), nil
}

// Unpack reverses Pack.
func (c *Codec) Unpack(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("unpack: empty value")
	}

	switch data[0] {
	case headerRaw:
		return Unmarshal(data[1:], v)
	case headerZstd:
		body, err := c.dec.DecodeAll(data[1:], nil)
		if err != nil {
			return fmt.Errorf("unpack: decompress: %w", err)
		}
		return Unmarshal(body, v)
	default:
		return fmt.Errorf("unpack: unknown header %d", data[0])
	}
}

// Close releases encoder resources.
func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}

// ConfigLevelToZstd maps config levels (1-4) to zstd.EncoderLevel
func ConfigLevelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}
