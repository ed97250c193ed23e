package codec

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/juju/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

const (
	ASCII  = "ascii"
	UTF8   = "utf-8"
	Latin1 = "latin-1"
	UTF16  = "utf-16"
)

type (
	// textEncoding converts between Go strings and the bytes of one
	// character set.
	textEncoding interface {
		encode(text string) ([]byte, error)
		decode(b []byte) (string, error)
	}

	asciiEncoding struct{}

	utf8Encoding struct{}

	// xtextEncoding adapts a golang.org/x/text encoding.
	xtextEncoding struct {
		enc encoding.Encoding
	}

	// utf16Encoding writes big-endian UTF-16 with a BOM. Decoding honours
	// the BOM and, unlike the x/text decoder, fails on odd lengths and
	// unpaired surrogates instead of substituting U+FFFD.
	utf16Encoding struct{}
)

var encodings = map[string]textEncoding{
	ASCII:        asciiEncoding{},
	"us-ascii":   asciiEncoding{},
	UTF8:         utf8Encoding{},
	"utf8":       utf8Encoding{},
	Latin1:       xtextEncoding{charmap.ISO8859_1},
	"latin1":     xtextEncoding{charmap.ISO8859_1},
	"iso-8859-1": xtextEncoding{charmap.ISO8859_1},
	UTF16:        utf16Encoding{},
	"utf16":      utf16Encoding{},
}

// ToBytes encodes text with the named character encoding.
func ToBytes(text, encodingName string) ([]byte, error) {
	enc, err := lookupEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	b, err := enc.encode(text)
	if err != nil {
		return nil, &ContentEncodingError{Text: text, Encoding: encodingName, Cause: err}
	}
	return b, nil
}

// FromBytes decodes b with the named character encoding.
func FromBytes(b []byte, encodingName string) (string, error) {
	enc, err := lookupEncoding(encodingName)
	if err != nil {
		return "", err
	}
	text, err := enc.decode(b)
	if err != nil {
		return "", &ContentDecodingError{Bytes: b, Encoding: encodingName, Cause: err}
	}
	return text, nil
}

// SupportedEncoding reports whether the encoding name is known.
func SupportedEncoding(name string) bool {
	_, err := lookupEncoding(name)
	return err == nil
}

func lookupEncoding(name string) (textEncoding, error) {
	enc, ok := encodings[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errors.NotSupportedf("text encoding %q", name)
	}
	return enc, nil
}

func (asciiEncoding) encode(text string) ([]byte, error) {
	for i, r := range text {
		if r >= utf8.RuneSelf {
			return nil, errors.Errorf("character %q in position %d: ordinal not in range(128)", r, i)
		}
	}
	return []byte(text), nil
}

func (asciiEncoding) decode(b []byte) (string, error) {
	for i, c := range b {
		if c >= utf8.RuneSelf {
			return "", errors.Errorf("byte 0x%x in position %d: ordinal not in range(128)", c, i)
		}
	}
	return string(b), nil
}

func (utf8Encoding) encode(text string) ([]byte, error) {
	if !utf8.ValidString(text) {
		return nil, errors.New("invalid UTF-8 in text")
	}
	return []byte(text), nil
}

func (utf8Encoding) decode(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", errors.New("invalid UTF-8 byte sequence")
	}
	return string(b), nil
}

func (e xtextEncoding) encode(text string) ([]byte, error) {
	return e.enc.NewEncoder().Bytes([]byte(text))
}

func (e xtextEncoding) decode(b []byte) (string, error) {
	out, err := e.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

var utf16Writer = unicode.UTF16(unicode.BigEndian, unicode.UseBOM)

func (utf16Encoding) encode(text string) ([]byte, error) {
	return utf16Writer.NewEncoder().Bytes([]byte(text))
}

func (utf16Encoding) decode(b []byte) (string, error) {
	var order binary.ByteOrder = binary.BigEndian
	switch {
	case len(b) >= 2 && b[0] == 0xfe && b[1] == 0xff:
		b = b[2:]
	case len(b) >= 2 && b[0] == 0xff && b[1] == 0xfe:
		order = binary.LittleEndian
		b = b[2:]
	}
	if len(b)%2 != 0 {
		return "", errors.Errorf("truncated data: %d bytes after the BOM", len(b))
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = order.Uint16(b[2*i:])
	}
	for i := 0; i < len(units); i++ {
		u := units[i]
		switch {
		case u >= 0xd800 && u < 0xdc00:
			if i+1 == len(units) || units[i+1] < 0xdc00 || units[i+1] > 0xdfff {
				return "", errors.Errorf("unpaired high surrogate 0x%04x in position %d", u, 2*i)
			}
			i++
		case u >= 0xdc00 && u <= 0xdfff:
			return "", errors.Errorf("unpaired low surrogate 0x%04x in position %d", u, 2*i)
		}
	}
	return string(utf16.Decode(units)), nil
}
