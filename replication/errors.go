package replication

import "fmt"

// Code classifies a replication error for callers that branch on the class.
type Code int

const (
	CodeOK Code = iota
	CodeNotFound
	CodeTimeout
	CodeManual
	CodeBusy
	CodeInternal
	CodeExhaust
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeNotFound:
		return "NOTFOUND"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeManual:
		return "MANUAL"
	case CodeBusy:
		return "BUSY"
	case CodeInternal:
		return "INTERNAL"
	case CodeExhaust:
		return "EXHAUST"
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is a classified replication error.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is a replication Error with the given code.
func IsCode(err error, code Code) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}
