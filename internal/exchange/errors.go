package exchange

import "fmt"

// Kind classifies engine failures for callers
type Kind string

const (
	KindCoinNotFound        Kind = "CoinNotFound"
	KindWalletNotFound      Kind = "WalletNotFound"
	KindInsufficientBalance Kind = "InsufficientBalance"
	KindInvalidInterval     Kind = "InvalidInterval"
	KindNotOpen             Kind = "NotOpen"
	KindUnauthenticated     Kind = "Unauthenticated"
	KindInvalidArgument     Kind = "InvalidArgument"
	KindInternal            Kind = "Internal"
)

// Error is a terse, structured engine failure
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrCoinNotFound        = &Error{Kind: KindCoinNotFound}
	ErrWalletNotFound      = &Error{Kind: KindWalletNotFound}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrInvalidInterval     = &Error{Kind: KindInvalidInterval}
	ErrNotOpen             = &Error{Kind: KindNotOpen}
	ErrUnauthenticated     = &Error{Kind: KindUnauthenticated}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument}
	ErrInternal            = &Error{Kind: KindInternal}
)

// Errorf builds an *Error of the given kind
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}
