package service

import "fmt"

// Error is a request failure with a stable wire code. The handler layer maps
// it onto the XML error envelope; everything else bubbles up as an internal
// error.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wire error codes.
const (
	CodeNoBody               = "no-body"
	CodeFifo                 = "fifo"
	CodeInvalidReceiptHandle = "ReceiptHandleIsInvalid"
	CodeQueueAlreadyExists   = "QueueAlreadyExists"
	CodeUnimplemented        = "unimpl"
	CodeInvalidParameter     = "InvalidParameterValue"
)
