package signaling

import "fmt"

// ValidationError reports that a caller-supplied argument violated a schema
// (bad FQN, empty tag, malformed hex/base64). Never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation error: " + e.Msg }

// AuthError reports missing or rejected credentials (HTTP 401/403).
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string { return "auth error: " + e.Msg }

// NotFoundError reports that a targeted fetch (service/offer/username) found
// nothing (HTTP 404). Discovery flows return an empty slice instead of this
// error; only single-resource getters raise it.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s %q", e.Resource, e.ID)
}

// NetworkError reports a transport failure or a 5xx response. Recoverable —
// poll loops swallow it and continue via onError.
type NetworkError struct {
	Msg string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network error: %s: %v", e.Msg, e.Err)
	}
	return "network error: " + e.Msg
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError reports that a phase timer fired. It drives the FSM
// to FAILED and DurableConnection treats it as a reconnection trigger.
type TimeoutError struct {
	Phase string
}

func (e *TimeoutError) Error() string { return "timeout: " + e.Phase }

// StateError reports an operation invoked in an illegal FSM state — a
// programming error, raised synchronously.
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("illegal operation %s in state %s", e.Op, e.State)
}

// ClosedError reports a send on a closed durable channel.
type ClosedError struct {
	Label string
}

func (e *ClosedError) Error() string { return fmt.Sprintf("channel %q is closed", e.Label) }

// classifyStatus maps an HTTP status code and response body to one of the
// error types above. The caller (client.go's do) only reaches this for a
// 404 when the fetch is required — an optional getter's 404 is intercepted
// before classifyStatus is called and turned into a nil/zero result instead.
func classifyStatus(status int, resource, id, serverMsg string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 400:
		return &ValidationError{Msg: serverMsg}
	case status == 401 || status == 403:
		return &AuthError{Msg: serverMsg}
	case status == 404:
		return &NotFoundError{Resource: resource, ID: id}
	case status >= 500:
		return &NetworkError{Msg: fmt.Sprintf("server returned %d: %s", status, serverMsg)}
	default:
		return &NetworkError{Msg: fmt.Sprintf("unexpected status %d: %s", status, serverMsg)}
	}
}
