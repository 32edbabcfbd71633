// ABOUTME: Frame decoding shared by every relay vocabulary.
// ABOUTME: Turns raw JSON into typed messages with a typed failure path.

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformed marks a frame that could not be decoded.
var ErrMalformed = errors.New("malformed message")

// DecodeError describes why a frame was rejected.
type DecodeError struct {
	Kind string // empty when the discriminator itself was unreadable
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("malformed message: %v", e.Err)
	}
	return fmt.Sprintf("malformed %q message: %v", e.Kind, e.Err)
}

// Unwrap lets callers match both ErrMalformed and the underlying cause.
func (e *DecodeError) Unwrap() []error {
	return []error{ErrMalformed, e.Err}
}

// Message is implemented by every inbound frame type.
type Message interface {
	Kind() string
}

// validator is implemented by messages with required fields.
type validator interface {
	validate() error
}

// Unknown is a well-formed frame whose kind the vocabulary does not know.
type Unknown struct {
	Type string
}

// Kind returns the unrecognized discriminator.
func (u *Unknown) Kind() string { return u.Type }

// Vocabulary maps a type discriminator to a constructor for its message.
type Vocabulary map[string]func() Message

// Decode parses one frame.
func (v Vocabulary) Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if head.Type == "" {
		return nil, &DecodeError{Err: errors.New("missing type")}
	}

	newMsg, ok := v[head.Type]
	if !ok {
		return &Unknown{Type: head.Type}, nil
	}

	msg := newMsg()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, &DecodeError{Kind: head.Type, Err: err}
	}
	if val, ok := msg.(validator); ok {
		if err := val.validate(); err != nil {
			return nil, &DecodeError{Kind: head.Type, Err: err}
		}
	}
	return msg, nil
}

// Kinds returns the discriminators known to the vocabulary.
func (v Vocabulary) Kinds() []string {
	kinds := make([]string, 0, len(v))
	for k := range v {
		kinds = append(kinds, k)
	}
	return kinds
}

// Encode marshals an outbound frame.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return data, nil
}

// ID is a peer identity. It decodes from a JSON string or number.
type ID string

// UnmarshalJSON accepts "abc", 42 and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("identity must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("identity must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// String returns the identity as a plain string.
func (id ID) String() string { return string(id) }

func requireID(field string, id ID) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

// TimestampLayout is ISO 8601 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// now is swapped in tests.
var now = time.Now

// Timestamp formats the current time the way outbound frames carry it.
func Timestamp() string {
	return now().UTC().Format(TimestampLayout)
}
