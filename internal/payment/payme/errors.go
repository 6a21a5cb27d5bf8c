package payme

import "fmt"

// Error codes of the merchant API.
const (
	CodeParseError          = -32700
	CodeInvalidRequest      = -32600
	CodeMethodNotFound      = -32601
	CodeInternal            = -32400
	CodeUnauthorized        = -32504
	CodeIncorrectAmount     = -31001
	CodeTransactionNotFound = -31003
	CodeAccountNotReady     = -31008
	CodeAccountNotFound     = -31050
)

// Error is a JSON-RPC error object. It also travels through a unit of work
// as a Go error, rolling it back.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("payme %d: %s", e.Code, e.Message)
}

var (
	errParse               = &Error{Code: CodeParseError, Message: "Parse error"}
	errInvalidRequest      = &Error{Code: CodeInvalidRequest, Message: "Invalid request"}
	errInvalidParams       = &Error{Code: CodeInvalidRequest, Message: "Invalid params"}
	errMethodNotFound      = &Error{Code: CodeMethodNotFound, Message: "Method not found"}
	errInternal            = &Error{Code: CodeInternal, Message: "Internal error"}
	errUnauthorized        = &Error{Code: CodeUnauthorized, Message: "Unauthorized"}
	errIncorrectAmount     = &Error{Code: CodeIncorrectAmount, Message: "Incorrect amount"}
	errTransactionNotFound = &Error{Code: CodeTransactionNotFound, Message: "Transaction not found"}
	errAccountNotReady     = &Error{Code: CodeAccountNotReady, Message: "User is not ready for payment"}
	errAccountNotFound     = &Error{Code: CodeAccountNotFound, Message: "User not found"}
)
