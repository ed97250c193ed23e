package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/juju/errors"
)

type (
	// Serializer describes how domain objects travel as text. The
	// encoding is the default character encoding for that text.
	Serializer interface {
		Name() string
		ContentType() string
		Encoding() string
		Serialize(v interface{}) (string, error)
		Deserialize(text string) (interface{}, error)
	}

	// BinarySerializer skips the text stage and moves opaque bytes.
	BinarySerializer interface {
		Serializer
		Marshal(v interface{}) ([]byte, error)
		Unmarshal(b []byte) (interface{}, error)
	}

	jsonSerializer struct{}

	textSerializer struct{}

	binarySerializer struct{}
)

var (
	JSON   Serializer       = jsonSerializer{}
	Text   Serializer       = textSerializer{}
	Binary BinarySerializer = binarySerializer{}
)

var (
	registryMu  sync.RWMutex
	serializers = map[string]Serializer{}
)

func init() {
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
	for _, s := range []Serializer{JSON, Text, Binary} {
		if err := Register(s); err != nil {
			panic(err)
		}
	}
}

// Register makes a serializer available to Lookup under its name.
func Register(s Serializer) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := serializers[s.Name()]; exists {
		return errors.AlreadyExistsf("serializer %q", s.Name())
	}
	serializers[s.Name()] = s
	return nil
}

// Lookup returns the serializer registered under name.
func Lookup(name string) (Serializer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := serializers[name]
	if !ok {
		return nil, errors.NotFoundf("serializer %q", name)
	}
	return s, nil
}

// IsBinary reports whether s bypasses the text stage.
func IsBinary(s Serializer) bool {
	_, ok := s.(BinarySerializer)
	return ok
}

func (jsonSerializer) Name() string        { return "JsonSerializer" }
func (jsonSerializer) ContentType() string { return "application/json" }
func (jsonSerializer) Encoding() string    { return ASCII }

// Serialize escapes every non-ASCII rune so the output is plain ASCII.
func (s jsonSerializer) Serialize(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", &SerializationError{Object: v, Serializer: s.Name(), Cause: err}
	}
	return escapeNonASCII(b), nil
}

func (s jsonSerializer) Deserialize(text string) (interface{}, error) {
	var v interface{}
	// Unmarshal rejects anything but whitespace after the value.
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, &DeserializationError{Text: text, Serializer: s.Name(), Cause: err}
	}
	return v, nil
}

func escapeNonASCII(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		b = b[size:]
		if r < utf8.RuneSelf {
			sb.WriteRune(r)
			continue
		}
		if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
			fmt.Fprintf(&sb, `\u%04x\u%04x`, r1, r2)
			continue
		}
		fmt.Fprintf(&sb, `\u%04x`, r)
	}
	return sb.String()
}

func (textSerializer) Name() string        { return "TextSerializer" }
func (textSerializer) ContentType() string { return "text/plain" }
func (textSerializer) Encoding() string    { return ASCII }

func (s textSerializer) Serialize(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	return "", &SerializationError{Object: v, Serializer: s.Name(), Cause: errors.Errorf("%T is not text", v)}
}

func (textSerializer) Deserialize(text string) (interface{}, error) {
	return text, nil
}

func (binarySerializer) Name() string        { return "BinarySerializer" }
func (binarySerializer) ContentType() string { return "application/x-gob" }
func (binarySerializer) Encoding() string    { return "" }

func (s binarySerializer) Serialize(v interface{}) (string, error) {
	b, err := s.Marshal(v)
	return string(b), err
}

func (s binarySerializer) Deserialize(text string) (interface{}, error) {
	return s.Unmarshal([]byte(text))
}

// Marshal gob-encodes v as an interface value; its concrete type must
// have been registered with gob.Register unless it is a builtin.
func (s binarySerializer) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, &SerializationError{Object: v, Serializer: s.Name(), Cause: err}
	}
	return buf.Bytes(), nil
}

func (s binarySerializer) Unmarshal(b []byte) (interface{}, error) {
	var v interface{}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil {
		return nil, &DeserializationError{Text: string(b), Serializer: s.Name(), Cause: err}
	}
	return v, nil
}
