// Package foobar holds two sample functions: foobar_sum adds the "foo"
// and "bar" fields of a JSON object and foobar_count counts the foos and
// bars in a sentence.
package foobar

import (
	"context"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/juju/errors"

	rpc "github.com/RidgeA/faas-rpc"
	"github.com/RidgeA/faas-rpc/codec"
)

const (
	SumName   = "foobar_sum"
	CountName = "foobar_count"

	minSentenceLength = 10
)

// ValidationError rejects a request with status 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "[ValidationError] " + e.Message
}

func (e *ValidationError) Status() int {
	return rpc.StatusBadRequest
}

// Register adds both functions to d.
func Register(d *rpc.Dispatcher) error {
	if err := d.Register(SumName, codec.JSON, codec.JSON, HandleSum); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.Register(CountName, codec.Text, codec.Text, HandleCount))
}

// HandleSum answers {"result": foo + bar}.
func HandleSum(_ context.Context, req *rpc.Request) (*rpc.Response, error) {
	body, ok := req.Object.(map[string]interface{})
	if !ok {
		return nil, &ValidationError{Message: "the request body must be an object."}
	}
	foo, bar, err := validateSum(body)
	if err != nil {
		return nil, err
	}
	return rpc.NewResponse(map[string]interface{}{"result": foo + bar}), nil
}

func validateSum(body map[string]interface{}) (int64, int64, error) {
	for _, field := range []string{"foo", "bar"} {
		if _, ok := body[field]; !ok {
			return 0, 0, &ValidationError{Message: "'" + field + "' field is required."}
		}
	}
	foo, ok := integer(body["foo"])
	if !ok {
		return 0, 0, &ValidationError{Message: "'foo' field is not an integer."}
	}
	bar, ok := integer(body["bar"])
	if !ok {
		return 0, 0, &ValidationError{Message: "'bar' field is not an integer."}
	}
	return foo, bar, nil
}

// integer accepts the number types a JSON or gob body decodes to.
func integer(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// HandleCount answers with the number of "foo" and "bar" occurrences,
// ignoring case.
func HandleCount(_ context.Context, req *rpc.Request) (*rpc.Response, error) {
	sentence, ok := req.Object.(string)
	if !ok {
		return nil, &ValidationError{Message: "the request body must be text."}
	}
	normalized := strings.ToLower(sentence)
	if utf8.RuneCountInString(normalized) < minSentenceLength {
		return nil, &ValidationError{Message: "Invalid sentence: the minimum required length is " + strconv.Itoa(minSentenceLength) + "."}
	}
	count := strings.Count(normalized, "foo") + strings.Count(normalized, "bar")
	return rpc.NewResponse(strconv.Itoa(count)), nil
}
