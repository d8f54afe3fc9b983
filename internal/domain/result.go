package domain

import (
	"errors"
	"fmt"
)

// ResultCode is a platform result code. Zero means success.
type ResultCode uint32

const (
	CodeSuccess     ResultCode = 0
	CodeUnsupported ResultCode = 0x0000A001
	CodeNotFound    ResultCode = 0x0000A201
	CodeUnavailable ResultCode = 0x0000A401
	CodeUnknown     ResultCode = 0xFFFFFFFF
)

func (c ResultCode) String() string {
	return fmt.Sprintf("0x%08X", uint32(c))
}

// MarshalText renders the code as a hex string so JSON surfaces match the telemetry document.
func (c ResultCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ErrUnsupported is wrapped by platform calls the current host cannot perform.
var ErrUnsupported = errors.New("operation not supported")

// ResultError carries a platform result code through Go error returns.
type ResultError struct {
	Op   string
	Code ResultCode
	Err  error
}

func (e *ResultError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: result %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: result %s", e.Op, e.Code)
}

func (e *ResultError) Unwrap() error {
	return e.Err
}

// NewResultError builds a coded error for op.
func NewResultError(op string, code ResultCode, err error) error {
	return &ResultError{Op: op, Code: code, Err: err}
}

// Unsupported reports that op is not available on this platform.
func Unsupported(op string) error {
	return &ResultError{Op: op, Code: CodeUnsupported, Err: ErrUnsupported}
}

// CodeOf maps an error to the result code recorded in telemetry.
// nil is success; uncoded errors map to CodeUnknown.
func CodeOf(err error) ResultCode {
	if err == nil {
		return CodeSuccess
	}
	var re *ResultError
	if errors.As(err, &re) {
		if re.Code == CodeSuccess {
			return CodeUnknown
		}
		return re.Code
	}
	return CodeUnknown
}
