package transfer

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type Kind string

const (
	// KindConfiguration: the token contract is unset or a placeholder. Nothing touched the chain.
	KindConfiguration Kind = "configuration"
	// KindInvalidRequest: malformed request. Nothing touched the chain.
	KindInvalidRequest Kind = "invalid_request"
	// KindRejected: gas estimation, signing or broadcast failed. No hash exists.
	KindRejected Kind = "rejected"
	// KindReverted: mined with status 0.
	KindReverted Kind = "reverted"
)

// ErrWaitAbandoned is returned when the caller stops waiting for a
// confirmation. The broadcast transaction itself is not affected.
var ErrWaitAbandoned = errors.New("confirmation wait abandoned")

type Error struct {
	Kind   Kind
	Reason string
	TxHash common.Hash // zero unless Kind is KindReverted
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("transfer %s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}

func configurationError(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Reason: fmt.Sprintf(format, args...)}
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Reason: fmt.Sprintf(format, args...)}
}

func rejected(reason string, err error) *Error {
	return &Error{Kind: KindRejected, Reason: reason, Err: err}
}
