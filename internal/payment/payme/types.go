// Package payme implements the Payme merchant API: a JSON-RPC 2.0 endpoint
// that Payme calls to check, create, perform, cancel and inspect payments.
package payme

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"habit-marathon/internal/model"
)

// Method names of the merchant API.
const (
	MethodCheckPerformTransaction = "CheckPerformTransaction"
	MethodCreateTransaction       = "CreateTransaction"
	MethodPerformTransaction      = "PerformTransaction"
	MethodCancelTransaction       = "CancelTransaction"
	MethodCheckTransaction        = "CheckTransaction"
)

// Transaction states reported to Payme.
const (
	StateCreated   = 1
	StateCompleted = 2
	StateCancelled = -1
)

// Request is the JSON-RPC envelope sent by Payme.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is the JSON-RPC envelope returned to Payme. Exactly one of
// Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Params holds the union of parameters used by the five methods.
type Params struct {
	ID      string  `json:"id"`
	Time    int64   `json:"time"`
	Amount  Tiyin   `json:"amount"`
	Account Account `json:"account"`
	Reason  *int    `json:"reason"`
}

// Account identifies the payer.
type Account struct {
	TelegramID TelegramID `json:"tg_user_id"`
}

// TelegramID accepts a JSON number or a numeric string. Anything else
// decodes to zero, which never matches an account.
type TelegramID int64

// UnmarshalJSON implements json.Unmarshaler.
func (t *TelegramID) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*t = TelegramID(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			*t = TelegramID(v)
			return nil
		}
	}
	*t = 0
	return nil
}

// stateOf maps a ledger status onto the Payme state.
func stateOf(status model.TxStatus) int {
	switch status {
	case model.TxCompleted:
		return StateCompleted
	case model.TxCancelled, model.TxFailed:
		return StateCancelled
	}
	return StateCreated
}

type createResult struct {
	CreateTime  int64  `json:"create_time"`
	Transaction string `json:"transaction"`
	State       int    `json:"state"`
}

type performResult struct {
	Transaction string `json:"transaction"`
	PerformTime int64  `json:"perform_time"`
	State       int    `json:"state"`
}

type cancelResult struct {
	Transaction string `json:"transaction"`
	CancelTime  int64  `json:"cancel_time"`
	State       int    `json:"state"`
}

type checkResult struct {
	CreateTime  int64  `json:"create_time"`
	PerformTime int64  `json:"perform_time"`
	CancelTime  int64  `json:"cancel_time"`
	Transaction string `json:"transaction"`
	State       int    `json:"state"`
	Reason      *int   `json:"reason"`
}

// Tiyin is an amount in tiyin. It accepts a JSON number, fractional or not,
// or a numeric string; fractions are truncated. Anything else decodes to -1,
// which never matches the fee.
type Tiyin int64

// UnmarshalJSON implements json.Unmarshaler.
func (a *Tiyin) UnmarshalJSON(data []byte) error {
	*a = -1
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return nil
	}
	if v, err := n.Int64(); err == nil {
		*a = Tiyin(v)
		return nil
	}
	f, err := n.Float64()
	if err != nil || math.Abs(f) >= math.MaxInt64 {
		return nil
	}
	*a = Tiyin(math.Trunc(f))
	return nil
}
