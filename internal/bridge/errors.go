package bridge

import "fmt"

// Code classifies a bridge failure. Every failure a caller can observe
// is one of these; none of them crash the host or the embedded runtime.
type Code string

const (
	CodeNoSuchAction         Code = "no_such_action"
	CodeInternalHandlerFault Code = "internal_handler_fault"
	CodePayloadTooLarge      Code = "payload_too_large"
	CodeMalformedPayload     Code = "malformed_payload"
	CodeTimeout              Code = "timeout"
	CodeUnreachable          Code = "unreachable"
	CodeAuthorityRejected    Code = "authority_rejected"
	CodeCancelled            Code = "cancelled"
)

// Failure is the typed error delivered to callers through the
// completion path. Action is the originating action name, kept for
// diagnostics on timeouts and handler faults.
type Failure struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

func (f *Failure) Error() string {
	if f.Action != "" {
		return fmt.Sprintf("%s: %s (action %s)", f.Code, f.Message, f.Action)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// NoSuchAction reports a request for an unregistered action.
func NoSuchAction(action string) *Failure {
	return &Failure{Code: CodeNoSuchAction, Message: "no handler registered", Action: action}
}

// InternalHandlerFault wraps a panic or unexpected error thrown by a
// local handler.
func InternalHandlerFault(action string, cause interface{}) *Failure {
	return &Failure{
		Code:    CodeInternalHandlerFault,
		Message: fmt.Sprintf("handler fault: %v", cause),
		Action:  action,
	}
}

// PayloadTooLarge rejects a payload above the configured ceiling.
func PayloadTooLarge(action string, size, limit int) *Failure {
	return &Failure{
		Code:    CodePayloadTooLarge,
		Message: fmt.Sprintf("payload %d bytes exceeds limit %d", size, limit),
		Action:  action,
	}
}

// MalformedPayload reports a payload that failed to parse.
func MalformedPayload(action string, cause error) *Failure {
	return &Failure{
		Code:    CodeMalformedPayload,
		Message: fmt.Sprintf("malformed payload: %v", cause),
		Action:  action,
	}
}

// TimeoutFailure reports an outbound request that saw no reply before
// its deadline.
func TimeoutFailure(action string) *Failure {
	return &Failure{Code: CodeTimeout, Message: "no reply before deadline", Action: action}
}

// Unreachable reports that the authority could not be reached at send
// time.
func Unreachable(action string, cause error) *Failure {
	return &Failure{
		Code:    CodeUnreachable,
		Message: fmt.Sprintf("authority unreachable: %v", cause),
		Action:  action,
	}
}

// AuthorityRejected reports an explicit authority-side denial.
func AuthorityRejected(action, reason string) *Failure {
	return &Failure{Code: CodeAuthorityRejected, Message: reason, Action: action}
}

// Cancelled reports a pending request failed because its originating
// web-view instance was torn down or the bridge shut down.
func Cancelled(action, reason string) *Failure {
	return &Failure{Code: CodeCancelled, Message: reason, Action: action}
}

// AsFailure converts an arbitrary handler error into a Failure,
// passing typed failures through unchanged.
func AsFailure(action string, err error) *Failure {
	if f, ok := err.(*Failure); ok {
		return f
	}
	return &Failure{Code: CodeInternalHandlerFault, Message: err.Error(), Action: action}
}
