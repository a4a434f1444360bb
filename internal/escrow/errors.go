package escrow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/farmlink/escrow/internal/docstore"
)

var (
	ErrNotFound           = errors.New("transaction not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrFundsNotReleasable = errors.New("funds not releasable")
	ErrPaymentFailed      = errors.New("payment failed")
	ErrRetryExhausted     = errors.New("payment retries exhausted")
	ErrStore              = errors.New("transaction store failure")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidRequest     = errors.New("invalid request")
)

// Error describes a failed engine operation. Kind is one of the sentinel
// errors above; Err is the underlying cause, if any. errors.Is matches both.
type Error struct {
	Op            string
	TransactionID string
	Status        Status // status when the operation failed, empty if unknown
	Kind          error
	Err           error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("escrow: ")
	b.WriteString(e.Op)
	if e.TransactionID != "" {
		b.WriteString(" ")
		b.WriteString(e.TransactionID)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, " (status %s)", e.Status)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op, id string, status Status, kind, cause error) *Error {
	return &Error{Op: op, TransactionID: id, Status: status, Kind: kind, Err: cause}
}

func invalidTransition(op string, t *Transaction) *Error {
	return newError(op, t.ID, t.Status, ErrInvalidTransition, nil)
}

// storeError classifies a document store failure.
func storeError(op, id string, status Status, err error) *Error {
	if errors.Is(err, docstore.ErrNotFound) {
		return newError(op, id, status, ErrNotFound, nil)
	}
	return newError(op, id, status, ErrStore, err)
}
