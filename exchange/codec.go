package exchange

import (
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"gradsync/tensor"
)

// Codec names the compression applied to an encoded payload before it is
// written to the namespace. Top-k sparsified gradients are mostly zeros, so
// either codec shrinks them considerably.
type Codec string

const (
	CodecNone   Codec = "none"
	CodecZstd   Codec = "zstd"
	CodecSnappy Codec = "snappy"
)

// first byte of every payload
const (
	tagNone byte = iota
	tagZstd
	tagSnappy
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// EncodeAll/DecodeAll are safe for concurrent use, so ranks running in one
// process share a single encoder and decoder.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// ParseCodec maps a config value to a Codec; empty means CodecNone.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(s); c {
	case "", CodecNone:
		return CodecNone, nil
	case CodecZstd, CodecSnappy:
		return c, nil
	default:
		return "", errors.Errorf("unknown codec %q", s)
	}
}

func encodePayload(m *tensor.Map, codec Codec) ([]byte, error) {
	body, err := m.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encode tensors")
	}
	switch codec {
	case "", CodecNone:
		return append([]byte{tagNone}, body...), nil
	case CodecZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(body, []byte{tagZstd}), nil
	case CodecSnappy:
		return append([]byte{tagSnappy}, snappy.Encode(nil, body)...), nil
	default:
		return nil, errors.Errorf("unknown codec %q", codec)
	}
}

// decodePayload reads whatever codec the writer used; readers need no
// configuration of their own. Every failure is ErrCorruptRecord.
func decodePayload(payload []byte) (*tensor.Map, error) {
	if len(payload) == 0 {
		return nil, errors.Wrap(ErrCorruptRecord, "empty payload")
	}
	body := payload[1:]
	var err error
	switch payload[0] {
	case tagNone:
	case tagZstd:
		_, dec, zerr := zstdCodecs()
		if zerr != nil {
			return nil, zerr
		}
		body, err = dec.DecodeAll(body, nil)
	case tagSnappy:
		body, err = snappy.Decode(nil, body)
	default:
		return nil, errors.Wrapf(ErrCorruptRecord, "unknown codec tag %d", payload[0])
	}
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptRecord, "decompress: %v", err)
	}
	m := tensor.NewMap()
	if err := m.UnmarshalBinary(body); err != nil {
		return nil, errors.Wrapf(ErrCorruptRecord, "decode: %v", err)
	}
	return m, nil
}
