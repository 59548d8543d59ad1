package jobqueue

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/jbweber/foreman/internal/vmerr"
)

// ResultKind says which field of a Result is set.
type ResultKind string

const (
	ResultNone  ResultKind = "none"
	ResultValue ResultKind = "value"
	ResultBool  ResultKind = "bool"
	ResultError ResultKind = "error"
)

// Result is the generic outcome of a job, stored with it on completion.
type Result struct {
	Kind  ResultKind      `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
	Bool  bool            `json:"bool,omitempty"`
	Error *vmerr.Wire     `json:"error,omitempty"`
}

// ErrorResult is a Result for an operation that returns only an error. A
// nil err gives a ResultNone.
func ErrorResult(err error) Result {
	if err == nil {
		return Result{Kind: ResultNone}
	}
	return Result{Kind: ResultError, Error: vmerr.ToWire(err)}
}

// ValueResult carries a JSON-encodable value.
func ValueResult(v interface{}) Result {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrorResult(vmerr.Wrap(vmerr.KindFatal, "", "result", fmt.Errorf("failed to encode result: %w", err)))
	}
	return Result{Kind: ResultValue, Value: data}
}

// BoolResult carries a boolean.
func BoolResult(b bool) Result {
	return Result{Kind: ResultBool, Bool: b}
}

// Err returns the typed error carried by r, or nil.
func (r Result) Err() error {
	if r.Kind != ResultError {
		return nil
	}
	return r.Error.Err()
}

// Failed reports whether r carries an error.
func (r Result) Failed() bool {
	return r.Kind == ResultError
}

// Into decodes a value result into out.
func (r Result) Into(out interface{}) error {
	if err := r.Err(); err != nil {
		return err
	}
	if r.Kind != ResultValue {
		return fmt.Errorf("result is %s, not a value", r.Kind)
	}
	return json.Unmarshal(r.Value, out)
}

func marshalResult(r Result) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		// Result only holds JSON-safe fields.
		return []byte(`{"kind":"error","error":{"kind":"Fatal","message":"unencodable result"}}`)
	}
	return data
}

func unmarshalResult(data []byte) (Result, error) {
	if len(data) == 0 {
		return Result{Kind: ResultNone}, nil
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("failed to decode job result: %w", err)
	}
	return r, nil
}
