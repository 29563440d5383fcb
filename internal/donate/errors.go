package donate

import (
	"errors"
	"strings"

	"github.com/john/pressme-overlay/internal/backend"
	"github.com/john/pressme-overlay/internal/wallet"
)

// Code is the donation failure taxonomy
type Code string

const (
	CodeInsufficientFunds  Code = "INSUFFICIENT_FUNDS"
	CodeTransactionFailed  Code = "TRANSACTION_FAILED"
	CodeWalletNotConnected Code = "WALLET_NOT_CONNECTED"
	CodeUserRejected       Code = "USER_REJECTED"
	CodeUnknown            Code = "UNKNOWN"
)

// maxMessage bounds UNKNOWN messages shown to the user
const maxMessage = 100

// Error is returned by every failed donation attempt
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Classify maps any failure onto the donation taxonomy. Structured errors
// win over message sniffing.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var de *Error
	if errors.As(err, &de) {
		return de
	}

	switch {
	case errors.Is(err, wallet.ErrUserRejected):
		return &Error{Code: CodeUserRejected, Message: "Transaction was cancelled.", Err: err}
	case errors.Is(err, wallet.ErrNotConnected), errors.Is(err, wallet.ErrNotDetected):
		return &Error{Code: CodeWalletNotConnected, Message: "Wallet not connected. Please connect your wallet.", Err: err}
	}

	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		switch code := Code(strings.ToUpper(apiErr.Code)); code {
		case CodeInsufficientFunds, CodeTransactionFailed, CodeWalletNotConnected, CodeUserRejected:
			return &Error{Code: code, Message: toasts[code], Err: err}
		}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(msg, string(CodeInsufficientFunds)) || strings.Contains(lower, "insufficient"):
		return &Error{Code: CodeInsufficientFunds, Message: toasts[CodeInsufficientFunds], Err: err}
	case strings.Contains(msg, string(CodeTransactionFailed)) || strings.Contains(lower, "transaction failed"):
		return &Error{Code: CodeTransactionFailed, Message: toasts[CodeTransactionFailed], Err: err}
	case strings.Contains(msg, "cancelled") || strings.Contains(msg, "rejected") || strings.Contains(msg, "User rejected"):
		return &Error{Code: CodeUserRejected, Message: toasts[CodeUserRejected], Err: err}
	}

	return &Error{Code: CodeUnknown, Message: truncate(msg, maxMessage), Err: err}
}

var toasts = map[Code]string{
	CodeInsufficientFunds:  "Not enough SOL to complete this donation.",
	CodeTransactionFailed:  "Transaction failed — try again.",
	CodeUserRejected:       "Transaction was cancelled.",
	CodeWalletNotConnected: "Connect your wallet to donate.",
}

const genericToast = "An error occurred. Please try again."

// ToastMessage returns the short user-facing text for e
func ToastMessage(e *Error) string {
	if e == nil {
		return ""
	}
	if msg, ok := toasts[e.Code]; ok {
		return msg
	}
	if e.Message != "" {
		return e.Message
	}
	return genericToast
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
