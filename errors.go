package accounts

import (
	"errors"
	"fmt"
)

// ErrCode tags every expected failure with its business kind. Codes are
// values, not exceptions: store operations return them for anticipated
// outcomes (not found, insufficient funds, overflow, duplicate) and callers
// branch on them instead of parsing messages.
type ErrCode string

const (
	CodeInternal            ErrCode = "INTERNAL"
	CodeUserNotFound        ErrCode = "USER_NOT_FOUND"
	CodeAccountNotFound     ErrCode = "ACCOUNT_NOT_FOUND"
	CodeT9nNotFound         ErrCode = "T9N_NOT_FOUND"
	CodeOthersAccount       ErrCode = "OTHERS_ACCOUNT"
	CodeInsufficientFunds   ErrCode = "INSUFFICIENT_FUNDS"
	CodeFundsOverflow       ErrCode = "FUNDS_OVERFLOW"
	CodeEntityAlreadyExists ErrCode = "ENTITY_ALREADY_EXISTS"
	CodeBadRequest          ErrCode = "BAD_REQUEST"

	// Client-side codes: the outbound API client reports transport failures
	// and undecodable responses with these, they never originate in the core.
	CodeCallError         ErrCode = "CALL_ERROR"
	CodeBadServerResponse ErrCode = "BAD_SERVER_RESPONSE"
)

// Err is the tagged error carried through the store and processor contracts.
type Err struct {
	Code ErrCode `json:"code"`
	Msg  string  `json:"msg"`
}

func (e *Err) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Errf builds a coded error with a formatted message.
func Errf(code ErrCode, format string, args ...any) *Err {
	return &Err{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected backend failure. The store boundary calls it
// exactly once per failure so that callers only ever see coded errors.
func Internal(format string, args ...any) *Err {
	return Errf(CodeInternal, format, args...)
}

// BadRequest tags malformed input. Only the HTTP boundary surfaces it.
func BadRequest(msg string) *Err {
	return &Err{Code: CodeBadRequest, Msg: msg}
}

// CodeOf extracts the business kind from an error chain. Errors without a
// coded cause count as INTERNAL.
func CodeOf(err error) ErrCode {
	var e *Err
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given kind.
func IsCode(err error, code ErrCode) bool {
	return err != nil && CodeOf(err) == code
}
