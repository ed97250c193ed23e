package foobar

import (
	"context"

	rpc "github.com/RidgeA/faas-rpc"
	"github.com/RidgeA/faas-rpc/codec"
)

// DefaultSentence is what CallCount sends when given an empty sentence.
const DefaultSentence = "My name is foo and I love bars"

type (
	// Caller is satisfied by *rpc.Client and RegistryCaller.
	Caller interface {
		Call(ctx context.Context, faasName string, s codec.Serializer, object interface{}) (*rpc.Response, error)
	}

	// RegistryCaller makes each call on a fresh single-shot client over the
	// registry's connection for Source.
	RegistryCaller struct {
		Registry *rpc.Registry
		Source   string
	}
)

func (c RegistryCaller) Call(ctx context.Context, faasName string, s codec.Serializer, object interface{}) (*rpc.Response, error) {
	return rpc.Invoke(ctx, c.Registry, c.Source, faasName, s, object)
}

// CallSum calls foobar_sum with a JSON body such as {"foo": 1, "bar": 2}.
func CallSum(ctx context.Context, c Caller, body map[string]interface{}) (*rpc.Response, error) {
	return c.Call(ctx, SumName, codec.JSON, body)
}

func CallCount(ctx context.Context, c Caller, sentence string) (*rpc.Response, error) {
	if sentence == "" {
		sentence = DefaultSentence
	}
	return c.Call(ctx, CountName, codec.Text, sentence)
}
