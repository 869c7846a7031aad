// Package apperr defines the closed set of error kinds surfaced by the
// settlement engine and the API layer.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Error. The set is closed; callers switch on it.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindPoolExhausted
	KindPaymentMismatch
	KindLedgerCall
	KindConflict
	KindDecryption
	KindNotReady
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindPaymentMismatch:
		return "payment_mismatch"
	case KindLedgerCall:
		return "ledger_call"
	case KindConflict:
		return "concurrency_conflict"
	case KindDecryption:
		return "decryption"
	case KindNotReady:
		return "not_ready"
	default:
		return "internal"
	}
}

// Error carries the kind plus enough context to log a failure without
// re-deriving which gift or wallet it concerned.
type Error struct {
	Kind   Kind
	Op     string
	Code   string
	Wallet string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (gift %s)", e.Code)
	}
	if e.Wallet != "" {
		fmt.Fprintf(&b, " (wallet %s)", e.Wallet)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, apperr.NotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind markers for errors.Is.
var (
	Validation      = &Error{Kind: KindValidation}
	NotFound        = &Error{Kind: KindNotFound}
	PoolExhausted   = &Error{Kind: KindPoolExhausted}
	PaymentMismatch = &Error{Kind: KindPaymentMismatch}
	LedgerCall      = &Error{Kind: KindLedgerCall}
	Conflict        = &Error{Kind: KindConflict}
	Decryption      = &Error{Kind: KindDecryption}
	NotReady        = &Error{Kind: KindNotReady}
)

// New builds an Error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an Error of the given kind around err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithGift returns a copy of e annotated with a gift code.
func (e *Error) WithGift(code string) *Error {
	c := *e
	c.Code = code
	return &c
}

// WithWallet returns a copy of e annotated with a wallet address.
func (e *Error) WithWallet(addr string) *Error {
	c := *e
	c.Wallet = addr
	return &c
}

// KindOf reports the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the caller should try the same request later.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindPoolExhausted, KindNotReady, KindLedgerCall:
		return true
	default:
		return false
	}
}
