package delta

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// compressThreshold is the payload size above which zstd kicks in.
// Small envelopes (counters, registers) are not worth the header cost.
const compressThreshold = 512

const encodingZstd = "zstd"

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// compress replaces State with its zstd form when that actually helps.
func (e *Envelope) compress() {
	if len(e.State) < compressThreshold || e.Encoding != "" {
		return
	}
	packed := zstdEncoder.EncodeAll(e.State, nil)
	if len(packed) >= len(e.State) {
		return
	}
	e.State = packed
	e.Encoding = encodingZstd
}

func (e *Envelope) decompressed() ([]byte, error) {
	switch e.Encoding {
	case "":
		return e.State, nil
	case encodingZstd:
		return zstdDecoder.DecodeAll(e.State, nil)
	default:
		// 未知编码：无法安全应用，整体拒绝。
		return nil, fmt.Errorf("unknown state encoding %q", e.Encoding)
	}
}

// EncodeFrame serializes a batch of envelopes with msgpack.
func EncodeFrame(f *Frame) ([]byte, error) {
	if f.Version == 0 {
		f.Version = EnvelopeVersion
	}
	return msgpack.Marshal(f)
}

// DecodeFrame parses a transmission unit. Unknown fields in the payload
// are ignored, newer frame versions are rejected outright.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if f.Version > EnvelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Version)
	}
	return &f, nil
}
