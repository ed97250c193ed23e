package codec_test

import (
	"math"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/RidgeA/faas-rpc/codec"
)

type encodingSuite struct{}

var _ = gc.Suite(&encodingSuite{})

func (s *encodingSuite) TestRoundTrip(c *gc.C) {
	for _, t := range []struct {
		text     string
		encoding string
	}{
		{"hello world", codec.ASCII},
		{"", codec.ASCII},
		{"café olé", codec.Latin1},
		{"日本語 \U0001F600", codec.UTF8},
		{"日本語 \U0001F600", codec.UTF16},
		{"plain", "US-ASCII"},
	} {
		b, err := codec.ToBytes(t.text, t.encoding)
		c.Assert(err, jc.ErrorIsNil)
		text, err := codec.FromBytes(b, t.encoding)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(text, gc.Equals, t.text, gc.Commentf("encoding %s", t.encoding))
	}
}

func (s *encodingSuite) TestNonASCIIRejected(c *gc.C) {
	_, err := codec.ToBytes("mañana", codec.ASCII)
	var encErr *codec.ContentEncodingError
	c.Assert(errors.As(err, &encErr), jc.IsTrue)
	c.Check(encErr.Encoding, gc.Equals, codec.ASCII)
	c.Check(err, gc.ErrorMatches, `ContentEncodingError: .* into 'ascii': .*ordinal not in range\(128\)`)
}

func (s *encodingSuite) TestLatin1RejectsUnrepresentable(c *gc.C) {
	_, err := codec.ToBytes("日", codec.Latin1)
	var encErr *codec.ContentEncodingError
	c.Assert(errors.As(err, &encErr), jc.IsTrue)
}

func (s *encodingSuite) TestInvalidBytes(c *gc.C) {
	_, err := codec.FromBytes([]byte{0xff, 0x41}, codec.ASCII)
	var decErr *codec.ContentDecodingError
	c.Assert(errors.As(err, &decErr), jc.IsTrue)
	c.Check(decErr.Bytes, jc.DeepEquals, []byte{0xff, 0x41})

	_, err = codec.FromBytes([]byte{0xc3, 0x28}, codec.UTF8)
	c.Assert(errors.As(err, &decErr), jc.IsTrue)

	for _, b := range [][]byte{
		{0xfe, 0xff, 0xd8, 0x00},
		{0xfe, 0xff, 0x00, 0x41, 0x42},
		{0xfe, 0xff, 0xdc, 0x00, 0x00, 0x41},
		{0xff, 0xfe, 0x3d, 0xd8, 0x41, 0x00},
	} {
		text, err := codec.FromBytes(b, codec.UTF16)
		c.Check(errors.As(err, &decErr), jc.IsTrue, gc.Commentf("input % x gave %q", b, text))
	}
}

func (s *encodingSuite) TestUTF16ByteOrder(c *gc.C) {
	text, err := codec.FromBytes([]byte{0xff, 0xfe, 0x41, 0x00, 0x3d, 0xd8, 0x00, 0xde}, codec.UTF16)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(text, gc.Equals, "A\U0001F600")

	text, err = codec.FromBytes([]byte{0x00, 0x41, 0xff, 0xfd}, codec.UTF16)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(text, gc.Equals, "A\uFFFD")
}

func (s *encodingSuite) TestUnknownEncoding(c *gc.C) {
	_, err := codec.ToBytes("x", "klingon")
	c.Assert(err, jc.Satisfies, errors.IsNotSupported)
	c.Check(codec.SupportedEncoding("klingon"), jc.IsFalse)
	c.Check(codec.SupportedEncoding("UTF-8"), jc.IsTrue)
}

type framingSuite struct{}

var _ = gc.Suite(&framingSuite{})

func (s *framingSuite) TestRoundTrip(c *gc.C) {
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	for _, b := range [][]byte{nil, {}, {0}, []byte("a"), []byte("ab"), []byte("abc"), all} {
		out, err := codec.Base64.Unframe(codec.Base64.Frame(b))
		c.Assert(err, jc.ErrorIsNil)
		c.Check(out, jc.DeepEquals, b)
	}
}

func (s *framingSuite) TestUnframeAcceptsLineBreaks(c *gc.C) {
	out, err := codec.Base64.Unframe([]byte("aGVs\nbG8=\n"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(out), gc.Equals, "hello")
}

func (s *framingSuite) TestUnframeInvalid(c *gc.C) {
	_, err := codec.Base64.Unframe([]byte("not base64!"))
	var decErr *codec.ContentDecodingError
	c.Assert(errors.As(err, &decErr), jc.IsTrue)
	c.Check(decErr.Encoding, gc.Equals, "base64")
}

type serializerSuite struct{}

var _ = gc.Suite(&serializerSuite{})

func (s *serializerSuite) TestJSONFidelity(c *gc.C) {
	for _, obj := range []interface{}{
		map[string]interface{}{"foo": 2.0, "bar": []interface{}{"x", true, nil}},
		"a string",
		1.5,
		nil,
		[]interface{}{map[string]interface{}{}},
	} {
		text, err := codec.JSON.Serialize(obj)
		c.Assert(err, jc.ErrorIsNil)
		back, err := codec.JSON.Deserialize(text)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(back, jc.DeepEquals, obj)
	}
}

func (s *serializerSuite) TestJSONEscapesNonASCII(c *gc.C) {
	text, err := codec.JSON.Serialize(map[string]interface{}{"name": "mañana \U0001F600"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(text, gc.Equals, `{"name":"ma\u00f1ana \ud83d\ude00"}`)

	back, err := codec.JSON.Deserialize(text)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(back, jc.DeepEquals, map[string]interface{}{"name": "mañana \U0001F600"})
}

func (s *serializerSuite) TestJSONSerializationError(c *gc.C) {
	_, err := codec.JSON.Serialize(math.Inf(1))
	var szErr *codec.SerializationError
	c.Assert(errors.As(err, &szErr), jc.IsTrue)
	c.Check(szErr.Serializer, gc.Equals, "JsonSerializer")
}

func (s *serializerSuite) TestJSONMalformed(c *gc.C) {
	for _, text := range []string{
		`{"foo":`, `nope`, `{} {}`, ``, `5 6`,
		`{"foo":2}}`, `[1]]`, `{"foo":2} ]`,
	} {
		_, err := codec.JSON.Deserialize(text)
		var dszErr *codec.DeserializationError
		c.Check(errors.As(err, &dszErr), jc.IsTrue, gc.Commentf("input %q", text))
	}
}

func (s *serializerSuite) TestText(c *gc.C) {
	text, err := codec.Text.Serialize("hello")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(text, gc.Equals, "hello")

	_, err = codec.Text.Serialize(42)
	c.Assert(err, gc.FitsTypeOf, &codec.SerializationError{})
}

func (s *serializerSuite) TestBinary(c *gc.C) {
	obj := map[string]interface{}{"name": "Foo", "likes": "Bars"}
	b, err := codec.Binary.Marshal(obj)
	c.Assert(err, jc.ErrorIsNil)
	back, err := codec.Binary.Unmarshal(b)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(back, jc.DeepEquals, obj)

	_, err = codec.Binary.Unmarshal([]byte("garbage"))
	c.Assert(err, gc.FitsTypeOf, &codec.DeserializationError{})
}

func (s *serializerSuite) TestLookup(c *gc.C) {
	for _, name := range []string{"JsonSerializer", "TextSerializer", "BinarySerializer"} {
		sz, err := codec.Lookup(name)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(sz.Name(), gc.Equals, name)
	}
	_, err := codec.Lookup("YamlSerializer")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)

	err = codec.Register(codec.JSON)
	c.Assert(err, jc.Satisfies, errors.IsAlreadyExists)
	c.Check(codec.IsBinary(codec.Binary), jc.IsTrue)
	c.Check(codec.IsBinary(codec.JSON), jc.IsFalse)
}

type pipelineSuite struct{}

var _ = gc.Suite(&pipelineSuite{})

func (s *pipelineSuite) TestRoundTrip(c *gc.C) {
	for _, p := range []codec.Pipeline{
		codec.NewPipeline(codec.JSON),
		codec.NewPipeline(codec.Text),
		codec.NewPipeline(codec.Binary),
		{Serializer: codec.Text, Encoding: codec.UTF8},
	} {
		var obj interface{} = "payload"
		wire, err := p.Marshal(obj)
		c.Assert(err, jc.ErrorIsNil)
		back, _, err := p.Unmarshal(wire)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(back, jc.DeepEquals, obj)
	}
}

func (s *pipelineSuite) TestMarshalWrapsEncodingFailure(c *gc.C) {
	obj := "Bad sentence, it contains Ã± and cannot be encoded into ascii"
	_, err := codec.NewPipeline(codec.Text).Marshal(obj)
	var szErr *codec.SerializationError
	c.Assert(errors.As(err, &szErr), jc.IsTrue)
	c.Check(szErr.Object, gc.Equals, obj)
	c.Check(szErr.Serializer, gc.Equals, "TextSerializer")
	c.Check(szErr.Cause, gc.FitsTypeOf, &codec.ContentEncodingError{})
}

func (s *pipelineSuite) TestEncodingOverride(c *gc.C) {
	p := codec.Pipeline{Serializer: codec.Text, Encoding: codec.UTF8}
	c.Check(p.TextEncoding(), gc.Equals, codec.UTF8)
	wire, err := p.Marshal("mañana")
	c.Assert(err, jc.ErrorIsNil)

	_, raw, err := codec.NewPipeline(codec.Text).Unmarshal(wire)
	c.Assert(err, gc.FitsTypeOf, &codec.ContentDecodingError{})
	c.Check(string(raw), gc.Equals, "mañana")
}
