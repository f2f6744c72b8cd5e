// Package codec turns session payloads into bytes and back.
//
// A Codec is bound to one payload type. Implementations must be
// deterministic and safe for concurrent use: the session encodes on the
// tick goroutine and decodes on the receive goroutine.
package codec

import (
	"encoding/json"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// Names of the built-in codecs.
const (
	NameJSON = "json"
	NameCBOR = "cbor"
)

// Codec serializes payloads of type T.
type Codec[T any] interface {
	Name() string
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

type jsonCodec[T any] struct{}

// JSON returns a JSON (RFC 8259) codec.
func JSON[T any]() Codec[T] { return jsonCodec[T]{} }

func (jsonCodec[T]) Name() string { return NameJSON }

func (jsonCodec[T]) Marshal(v T) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec[T]) Unmarshal(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

type cborCodec[T any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR (RFC 8949) codec using the canonical
// encoding profile.
func CBOR[T any]() (Codec[T], error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec[T]{enc: em, dec: dm}, nil
}

func (cborCodec[T]) Name() string { return NameCBOR }

func (c cborCodec[T]) Marshal(v T) ([]byte, error) { return c.enc.Marshal(v) }

func (c cborCodec[T]) Unmarshal(data []byte) (T, error) {
	var v T
	err := c.dec.Unmarshal(data, &v)
	return v, err
}

// ByName returns the built-in codec called name.
func ByName[T any](name string) (Codec[T], error) {
	switch name {
	case "", NameJSON:
		return JSON[T](), nil
	case NameCBOR:
		return CBOR[T]()
	default:
		return nil, fmt.Errorf("unknown codec %q (want %s or %s)", name, NameJSON, NameCBOR)
	}
}
