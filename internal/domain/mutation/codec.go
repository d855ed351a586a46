package mutation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Format is the one-byte tag prefixed to every encoded payload.
type Format byte

const (
	FormatJSON    Format = 'J'
	FormatMsgpack Format = 'M'
	// FormatZstd is msgpack compressed with zstd, for large documents.
	FormatZstd Format = 'Z'
)

// ErrUnknownFormat is returned for payloads with an unrecognized tag.
var ErrUnknownFormat = errors.New("unknown payload format")

// ParseFormat maps a configuration name to a Format.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "json", "":
		return FormatJSON, nil
	case "msgpack":
		return FormatMsgpack, nil
	case "zstd":
		return FormatZstd, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// String returns the configuration name of the format.
func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatMsgpack:
		return "msgpack"
	case FormatZstd:
		return "zstd"
	default:
		return fmt.Sprintf("format(%d)", byte(f))
	}
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	errZstd     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, errZstd = zstd.NewWriter(nil)
		if errZstd != nil {
			return
		}
		zstdDecoder, errZstd = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, errZstd
}

// Encode validates m and serializes it with the given format.
func Encode(m Mutation, format Format) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var (
		body []byte
		err  error
	)
	switch format {
	case FormatJSON:
		body, err = json.Marshal(m)
	case FormatMsgpack:
		body, err = msgpack.Marshal(m)
	case FormatZstd:
		body, err = msgpack.Marshal(m)
		if err == nil {
			enc, _, zerr := zstdCodec()
			if zerr != nil {
				return nil, fmt.Errorf("init zstd: %w", zerr)
			}
			body = enc.EncodeAll(body, nil)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode mutation: %w", err)
	}

	return append([]byte{byte(format)}, body...), nil
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) (Mutation, error) {
	if len(payload) < 2 {
		return Mutation{}, fmt.Errorf("%w: payload too short", ErrUnknownFormat)
	}

	var (
		m    Mutation
		err  error
		body = payload[1:]
	)
	switch Format(payload[0]) {
	case FormatJSON:
		err = json.Unmarshal(body, &m)
	case FormatMsgpack:
		err = msgpack.Unmarshal(body, &m)
	case FormatZstd:
		_, dec, zerr := zstdCodec()
		if zerr != nil {
			return Mutation{}, fmt.Errorf("init zstd: %w", zerr)
		}
		var raw []byte
		raw, err = dec.DecodeAll(body, nil)
		if err == nil {
			err = msgpack.Unmarshal(raw, &m)
		}
	default:
		return Mutation{}, fmt.Errorf("%w: tag %q", ErrUnknownFormat, payload[0])
	}
	if err != nil {
		return Mutation{}, fmt.Errorf("decode mutation: %w", err)
	}

	if err = m.Validate(); err != nil {
		return Mutation{}, err
	}
	return m, nil
}
