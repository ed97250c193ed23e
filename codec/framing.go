package codec

import (
	"bytes"
	"encoding/base64"
)

type (
	// Framer wraps payloads so arbitrary bytes survive text-oriented
	// transports. Unframe(Frame(b)) must return b for every input.
	Framer interface {
		Frame(b []byte) []byte
		Unframe(b []byte) ([]byte, error)
	}

	base64Framer struct{}
)

// Base64 is the default framing applied to every payload.
var Base64 Framer = base64Framer{}

func (base64Framer) Frame(b []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(b)))
	base64.StdEncoding.Encode(out, b)
	return out
}

// Unframe accepts MIME style input with line breaks.
func (base64Framer) Unframe(b []byte) ([]byte, error) {
	clean := bytes.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, b)
	out := make([]byte, base64.StdEncoding.DecodedLen(len(clean)))
	n, err := base64.StdEncoding.Decode(out, clean)
	if err != nil {
		return nil, &ContentDecodingError{Bytes: b, Encoding: "base64", Cause: err}
	}
	return out[:n], nil
}
