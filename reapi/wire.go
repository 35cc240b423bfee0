// Package reapi encodes the subset of the Remote Execution API messages the
// cache works with: Directory trees and ActionResults. Messages use the
// protobuf wire format so they are byte compatible with other REAPI tools.
package reapi

import (
	"errors"
	"fmt"

	cascache "github.com/wolfeidau/cas-cache"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned for bytes that do not decode as the expected message.
var ErrMalformed = errors.New("reapi: malformed message")

// field is one decoded tag/value pair.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// eachField calls fn for every field in b. Unknown wire types are skipped.
func eachField(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// expect checks the wire type of a known field.
func (f field) expect(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, f.num, f.typ)
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

// appendMessage writes an embedded message, including empty ones, since a
// present-but-empty message differs from an absent one for repeated fields.
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// Digest field numbers.
const (
	digestHash protowire.Number = 1
	digestSize protowire.Number = 2
)

// MarshalDigest encodes d as a build.bazel.remote.execution.v2.Digest.
func MarshalDigest(d cascache.Digest) []byte {
	var b []byte
	b = appendString(b, digestHash, d.Hash)
	b = appendVarint(b, digestSize, uint64(d.SizeBytes))
	return b
}

// UnmarshalDigest decodes a Digest message.
func UnmarshalDigest(b []byte) (cascache.Digest, error) {
	var d cascache.Digest
	err := eachField(b, func(f field) error {
		switch f.num {
		case digestHash:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			d.Hash = string(f.bytes)
		case digestSize:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			d.SizeBytes = int64(f.varint)
		}
		return nil
	})
	return d, err
}

func appendDigest(b []byte, num protowire.Number, d cascache.Digest) []byte {
	if d.IsZero() {
		return b
	}
	return appendMessage(b, num, MarshalDigest(d))
}

func (f field) asDigest() (cascache.Digest, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return cascache.Digest{}, err
	}
	return UnmarshalDigest(f.bytes)
}

func (f field) asString() (string, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return "", err
	}
	return string(f.bytes), nil
}

func (f field) asBool() (bool, error) {
	if err := f.expect(protowire.VarintType); err != nil {
		return false, err
	}
	return protowire.DecodeBool(f.varint), nil
}
