package codec

// Pipeline composes a serializer, a character encoding and a framer into
// the full object <-> wire conversion used on both sides of a call.
type Pipeline struct {
	Serializer Serializer
	// Encoding overrides the serializer's default encoding when set.
	Encoding string
	// Framer defaults to Base64.
	Framer Framer
}

// NewPipeline returns a pipeline using the serializer defaults.
func NewPipeline(s Serializer) Pipeline {
	return Pipeline{Serializer: s}
}

// TextEncoding returns the character encoding in effect.
func (p Pipeline) TextEncoding() string {
	if p.Encoding != "" {
		return p.Encoding
	}
	return p.Serializer.Encoding()
}

func (p Pipeline) framer() Framer {
	if p.Framer == nil {
		return Base64
	}
	return p.Framer
}

// Frame applies only the framing stage.
func (p Pipeline) Frame(raw []byte) []byte {
	return p.framer().Frame(raw)
}

// Marshal serializes, encodes and frames v. Any failure before framing
// is reported as a *SerializationError whose Cause is the stage error.
func (p Pipeline) Marshal(v interface{}) ([]byte, error) {
	raw, err := p.Encode(v)
	if err != nil {
		if _, ok := err.(*SerializationError); ok {
			return nil, err
		}
		return nil, &SerializationError{Object: v, Serializer: p.Serializer.Name(), Cause: err}
	}
	return p.framer().Frame(raw), nil
}

// Encode serializes and encodes v without framing, keeping the stage
// errors distinct.
func (p Pipeline) Encode(v interface{}) ([]byte, error) {
	if bs, ok := p.Serializer.(BinarySerializer); ok {
		return bs.Marshal(v)
	}
	text, err := p.Serializer.Serialize(v)
	if err != nil {
		return nil, err
	}
	return ToBytes(text, p.TextEncoding())
}

// Unmarshal unframes, decodes and deserializes wire bytes. It returns the
// object and the unframed raw bytes.
func (p Pipeline) Unmarshal(wire []byte) (interface{}, []byte, error) {
	raw, err := p.framer().Unframe(wire)
	if err != nil {
		return nil, nil, err
	}
	if bs, ok := p.Serializer.(BinarySerializer); ok {
		v, err := bs.Unmarshal(raw)
		return v, raw, err
	}
	text, err := FromBytes(raw, p.TextEncoding())
	if err != nil {
		return nil, raw, err
	}
	v, err := p.Serializer.Deserialize(text)
	return v, raw, err
}
