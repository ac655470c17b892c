package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// StaticID marks a call scoped to the model itself rather than an instance
const StaticID = "static"

// Payload is a decoded request body, keyed by top-level field
type Payload map[string]json.RawMessage

// Request is a validated call envelope
type Request struct {
	Model  string            `json:"model"`
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Token  string            `json:"token,omitempty"`
	Args   []json.RawMessage `json:"args"`
}

// IsStatic reports whether the call targets the model rather than an instance
func (r Request) IsStatic() bool {
	return r.ID == StaticID
}

// Response is the reply envelope
type Response struct {
	Err  *ErrorShape `json:"err"`
	Data any         `json:"data"`
}

// ErrorResponse builds a response carrying only an error
func ErrorResponse(err error) Response {
	return Response{Err: AsErrorShape(err)}
}

// DecodePayload parses a request body.
// Syntactically valid JSON that is not an object decodes to an empty payload, so
// validation reports every field as missing.
func DecodePayload(body []byte) (Payload, error) {
	var probe any
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, err
	}

	if _, ok := probe.(map[string]any); !ok {
		return Payload{}, nil
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the envelope shape and returns the request.
// The error lists every missing field, not just the first.
func (p Payload) Validate() (Request, error) {
	var (
		req     Request
		missing []string
		ok      bool
	)

	if req.Model, ok = p.stringField("model", false); !ok {
		missing = append(missing, "model")
	}
	if req.ID, ok = p.stringField("id", true); !ok {
		missing = append(missing, "id")
	}
	if req.Method, ok = p.stringField("method", false); !ok {
		missing = append(missing, "method")
	}
	if req.Args, ok = p.argsField(); !ok {
		missing = append(missing, "args")
	}

	if len(missing) > 0 {
		return Request{}, MissingFields(missing)
	}

	// token is optional and may be null
	req.Token, _ = p.stringField("token", false)

	return req, nil
}

func (p Payload) stringField(name string, allowNumber bool) (string, bool) {
	raw, exists := p[name]
	if !exists {
		return "", false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}

	if allowNumber {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var n json.Number
		if err := dec.Decode(&n); err == nil {
			return n.String(), true
		}
	}

	return "", false
}

func (p Payload) argsField() ([]json.RawMessage, bool) {
	raw, exists := p["args"]
	if !exists {
		return nil, false
	}

	var args []json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return nil, false
	}
	return args, true
}

// NewRequest builds a request envelope, encoding each argument as JSON
func NewRequest(model, id, method, token string, args ...any) (Request, error) {
	req := Request{
		Model:  model,
		ID:     id,
		Method: method,
		Token:  token,
		Args:   make([]json.RawMessage, 0, len(args)),
	}
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return Request{}, fmt.Errorf("failed to encode argument %d: %w", i, err)
		}
		req.Args = append(req.Args, raw)
	}
	return req, nil
}
