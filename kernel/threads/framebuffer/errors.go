package framebuffer

import "fmt"

// ErrorCode classifies framebuffer errors.
type ErrorCode string

const (
	// CodeBufferExhausted means slot bookkeeping is broken: no slot was free
	// where the protocol guarantees one.
	CodeBufferExhausted ErrorCode = "BUFFER_EXHAUSTED"
	// CodeClosed means the set is closed or shut down.
	CodeClosed ErrorCode = "CLOSED"
	// CodeSlotState means a call named a slot the caller does not own.
	CodeSlotState ErrorCode = "SLOT_STATE"
	// CodeInvalidConfig means the requested geometry cannot be laid out.
	CodeInvalidConfig ErrorCode = "INVALID_CONFIG"
)

// Error is a structured framebuffer error. Two errors match under errors.Is
// when their codes are equal, so callers test against the sentinels below.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]interface{}
	Cause   error
}

var (
	ErrBufferExhausted = &Error{Code: CodeBufferExhausted, Message: "no writable slot"}
	ErrClosed          = &Error{Code: CodeClosed, Message: "frame buffer set closed"}
	ErrSlotState       = &Error{Code: CodeSlotState, Message: "slot not owned by caller"}
	ErrInvalidConfig   = &Error{Code: CodeInvalidConfig, Message: "invalid frame buffer configuration"}
)

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithContext returns a copy of e carrying an extra key.
func (e *Error) WithContext(key string, value interface{}) *Error {
	ctx := make(map[string]interface{}, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	return &Error{Code: e.Code, Message: e.Message, Context: ctx, Cause: e.Cause}
}

func newError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func slotStateError(format string, args ...interface{}) *Error {
	return newError(CodeSlotState, fmt.Sprintf(format, args...), nil)
}
