package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	markerPlain byte = 'j'
	markerZstd  byte = 'z'

	maxDecodedBytes = 64 << 20
)

var errCorrupt = errors.New("corrupt cache entry")

type envelope struct {
	V   json.RawMessage `json:"v"`
	Exp int64           `json:"exp"`
}

type codec struct {
	compressAbove int
	enc           *zstd.Encoder
	dec           *zstd.Decoder
}

func newCodec(compressAbove int) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBytes))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &codec{compressAbove: compressAbove, enc: enc, dec: dec}, nil
}

func (c *codec) encode(value any, exp time.Time) ([]byte, error) {
	v, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(envelope{V: v, Exp: exp.UnixMilli()})
	if err != nil {
		return nil, err
	}
	if c.compressAbove > 0 && len(body) > c.compressAbove {
		out := make([]byte, 1, len(body)/2)
		out[0] = markerZstd
		return c.enc.EncodeAll(body, out), nil
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, markerPlain)
	return append(out, body...), nil
}

// decode unpacks raw into out and returns the entry's expiry.
func (c *codec) decode(raw []byte, out any) (time.Time, error) {
	if len(raw) < 2 {
		return time.Time{}, errCorrupt
	}
	body := raw[1:]
	switch raw[0] {
	case markerPlain:
	case markerZstd:
		var err error
		body, err = c.dec.DecodeAll(body, nil)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", errCorrupt, err)
		}
	default:
		return time.Time{}, errCorrupt
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if len(env.V) == 0 || env.Exp == 0 {
		return time.Time{}, errCorrupt
	}
	if err := json.Unmarshal(env.V, out); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	return time.UnixMilli(env.Exp), nil
}

func (c *codec) close() {
	_ = c.enc.Close()
	c.dec.Close()
}
