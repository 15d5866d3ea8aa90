package calldata

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrorPrefix marks a serialized payload as an error envelope. Both ends check
// for it before treating a response as a normal result.
const ErrorPrefix = "ERROR:"

// RemoteError is a failure propagated from the remote end of a channel.
type RemoteError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *RemoteError) Error() string {
	return e.Message
}

// CreateError builds an error envelope carrying message.
func CreateError(message string) CallData {
	return createEnvelope(&RemoteError{Message: message})
}

// FromError builds an error envelope for err. A *RemoteError anywhere in the
// chain keeps its stack; a stacker (panic recovery) contributes its stack.
func FromError(err error) CallData {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return createEnvelope(&RemoteError{Message: err.Error(), Stack: remote.Stack})
	}
	rec := &RemoteError{Message: err.Error()}
	var st stacker
	if errors.As(err, &st) {
		rec.Stack = st.Stack()
	}
	return createEnvelope(rec)
}

type stacker interface {
	Stack() string
}

func createEnvelope(rec *RemoteError) CallData {
	body, err := json.Marshal(rec)
	if err != nil {
		// A struct of two strings always marshals.
		panic(err)
	}
	return Create(ErrorPrefix + string(body))
}

// IsError reports whether d is an error envelope.
func (d CallData) IsError() bool {
	return d.kind == KindSerialized && strings.HasPrefix(d.value, ErrorPrefix)
}

// AsError returns the failure carried by an error envelope, or nil when d is a
// regular result. A malformed record still yields an error holding the raw text.
func (d CallData) AsError() error {
	if !d.IsError() {
		return nil
	}
	raw := strings.TrimPrefix(d.value, ErrorPrefix)
	var rec RemoteError
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Message == "" {
		return &RemoteError{Message: raw}
	}
	return &rec
}
