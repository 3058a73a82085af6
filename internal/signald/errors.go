package signald

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDisconnected is returned for requests that were in flight when the
// websocket connection to signald dropped.
var ErrDisconnected = errors.New("signald websocket disconnected")

// TimeoutError is a timeout declared by signald itself, e.g. the remote side
// never finished the linking handshake within signald's own deadline.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "signald request timed out"
	}
	return e.Message
}

// InternalError is signald's catch-all failure envelope. Exceptions carries
// the Java exception class names signald observed, which is the only way to
// tell a dropped upstream socket apart from a genuine fault.
type InternalError struct {
	Message    string   `json:"message"`
	Exceptions []string `json:"exceptions"`
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("signald internal error: %s", e.Message)
}

// HasException reports whether the given exception class appears in the
// nested detail set.
func (e *InternalError) HasException(name string) bool {
	for _, exc := range e.Exceptions {
		if exc == name {
			return true
		}
	}
	return false
}

// RequestError is any other declared signald error (validation failures,
// unknown accounts and so on).
type RequestError struct {
	Type    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("signald error %s: %s", e.Type, e.Message)
}

// decodeError turns a response error envelope into exactly one of the closed
// error types above.
func decodeError(errorType string, raw json.RawMessage) error {
	var body struct {
		Message    string   `json:"message"`
		Exceptions []string `json:"exceptions"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			// Some error payloads are plain strings.
			var msg string
			if json.Unmarshal(raw, &msg) == nil {
				body.Message = msg
			}
		}
	}

	switch errorType {
	case "TimeoutError", "TimeoutException":
		return &TimeoutError{Message: body.Message}
	case "InternalError":
		return &InternalError{Message: body.Message, Exceptions: body.Exceptions}
	default:
		return &RequestError{Type: errorType, Message: body.Message}
	}
}
