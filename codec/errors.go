package codec

import (
	"fmt"
)

type (
	// ContentEncodingError is returned when text cannot be represented in
	// the requested character encoding.
	ContentEncodingError struct {
		Text     string
		Encoding string
		Cause    error
	}

	// ContentDecodingError is returned when bytes are not a valid sequence
	// for the requested character encoding, or when the framing is broken.
	ContentDecodingError struct {
		Bytes    []byte
		Encoding string
		Cause    error
	}

	// SerializationError carries the object a serializer could not
	// represent.
	SerializationError struct {
		Object     interface{}
		Serializer string
		Cause      error
	}

	// DeserializationError carries the text a serializer could not parse.
	DeserializationError struct {
		Text       string
		Serializer string
		Cause      error
	}
)

func (e *ContentEncodingError) Error() string {
	return fmt.Sprintf("ContentEncodingError: an error occurred while trying to encode %q into '%s': %v",
		e.Text, e.Encoding, e.Cause)
}

func (e *ContentEncodingError) Unwrap() error {
	return e.Cause
}

func (e *ContentDecodingError) Error() string {
	return fmt.Sprintf("ContentDecodingError: an error occurred while trying to decode %q into '%s': %v",
		e.Bytes, e.Encoding, e.Cause)
}

func (e *ContentDecodingError) Unwrap() error {
	return e.Cause
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("SerializationError: an error occurred while serializing object (%T) %v with serializer: %s: %v",
		e.Object, e.Object, e.Serializer, e.Cause)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("DeserializationError: an error occurred while deserializing message %q with %s: %v",
		e.Text, e.Serializer, e.Cause)
}

func (e *DeserializationError) Unwrap() error {
	return e.Cause
}
