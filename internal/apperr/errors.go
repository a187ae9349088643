// Package apperr defines the error taxonomy shared by the card registry,
// the transfer engine and the account stores.
//
// Every failure a caller can act on is an *Error carrying a Kind (the
// coarse class used for status mapping and retry decisions) and a Code (the
// precise cause). Callers match causes with errors.Is against the exported
// sentinels:
//
//	if errors.Is(err, apperr.ErrInsufficientFunds) { ... }
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the coarse class of a failure
type Kind int

const (
	KindInfrastructure Kind = iota
	KindNotFound
	KindConflict
	KindUnauthorized
	KindInvalidInput
	KindBusinessRule
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnauthorized:
		return "unauthorized"
	case KindInvalidInput:
		return "invalid_input"
	case KindBusinessRule:
		return "business_rule_violation"
	default:
		return "infrastructure"
	}
}

// Code is the precise cause of a failure
type Code string

const (
	CodeCardNotFound           Code = "CARD_NOT_FOUND"
	CodeUserNotFound           Code = "USER_NOT_FOUND"
	CodeDuplicateUsername      Code = "DUPLICATE_USERNAME"
	CodeDuplicateEmail         Code = "DUPLICATE_EMAIL"
	CodeDuplicatePAN           Code = "DUPLICATE_PAN"
	CodeAccessDenied           Code = "ACCESS_DENIED"
	CodeUnauthorizedCardAccess Code = "UNAUTHORIZED_CARD_ACCESS"
	CodeInvalidCredentials     Code = "INVALID_CREDENTIALS"
	CodeInvalidAmount          Code = "INVALID_AMOUNT"
	CodeInvalidInput           Code = "INVALID_INPUT"
	CodeSelfTransfer           Code = "SELF_TRANSFER"
	CodeCardNotActive          Code = "CARD_NOT_ACTIVE"
	CodeCardExpired            Code = "CARD_EXPIRED"
	CodeInsufficientFunds      Code = "INSUFFICIENT_FUNDS"
	CodeCardHasBalance         Code = "CARD_HAS_BALANCE"
	CodeBalanceLimitExceeded   Code = "BALANCE_LIMIT_EXCEEDED"
	CodeStoreUnavailable       Code = "STORE_UNAVAILABLE"
	CodeConcurrencyConflict    Code = "CONCURRENCY_CONFLICT"
	CodeCryptoError            Code = "CRYPTO_ERROR"
)

// Error is a classified failure. Two *Error values match under errors.Is
// when their codes are equal, so constructors can attach ids and messages
// while still matching the bare sentinels.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels, one per code.
var (
	ErrCardNotFound           = &Error{Kind: KindNotFound, Code: CodeCardNotFound, Message: "card not found"}
	ErrUserNotFound           = &Error{Kind: KindNotFound, Code: CodeUserNotFound, Message: "user not found"}
	ErrDuplicateUsername      = &Error{Kind: KindConflict, Code: CodeDuplicateUsername, Message: "username is already taken"}
	ErrDuplicateEmail         = &Error{Kind: KindConflict, Code: CodeDuplicateEmail, Message: "email address already in use"}
	ErrDuplicatePAN           = &Error{Kind: KindConflict, Code: CodeDuplicatePAN, Message: "card number already exists"}
	ErrAccessDenied           = &Error{Kind: KindUnauthorized, Code: CodeAccessDenied, Message: "access denied"}
	ErrUnauthorizedCardAccess = &Error{Kind: KindUnauthorized, Code: CodeUnauthorizedCardAccess, Message: "you can only access your own cards"}
	ErrInvalidCredentials     = &Error{Kind: KindUnauthorized, Code: CodeInvalidCredentials, Message: "invalid credentials"}
	ErrInvalidAmount          = &Error{Kind: KindInvalidInput, Code: CodeInvalidAmount, Message: "transfer amount must be positive"}
	ErrInvalidInput           = &Error{Kind: KindInvalidInput, Code: CodeInvalidInput, Message: "invalid input"}
	ErrSelfTransfer           = &Error{Kind: KindInvalidInput, Code: CodeSelfTransfer, Message: "source and destination cards must differ"}
	ErrCardNotActive          = &Error{Kind: KindBusinessRule, Code: CodeCardNotActive, Message: "card is not active"}
	ErrCardExpired            = &Error{Kind: KindBusinessRule, Code: CodeCardExpired, Message: "cannot activate expired card"}
	ErrInsufficientFunds      = &Error{Kind: KindBusinessRule, Code: CodeInsufficientFunds, Message: "insufficient funds"}
	ErrCardHasBalance         = &Error{Kind: KindBusinessRule, Code: CodeCardHasBalance, Message: "cannot delete card with non-zero balance"}
	ErrBalanceLimitExceeded   = &Error{Kind: KindBusinessRule, Code: CodeBalanceLimitExceeded, Message: "destination balance would exceed the card limit"}
	ErrStoreUnavailable       = &Error{Kind: KindInfrastructure, Code: CodeStoreUnavailable, Message: "account store unavailable"}
	ErrConcurrencyConflict    = &Error{Kind: KindInfrastructure, Code: CodeConcurrencyConflict, Message: "concurrent modification, retries exhausted"}
	ErrCrypto                 = &Error{Kind: KindInfrastructure, Code: CodeCryptoError, Message: "card number cryptography failed"}
)

func with(base *Error, msg string, err error) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: msg, Err: err}
}

// CardNotFound names the missing card
func CardNotFound(id int64) error {
	return with(ErrCardNotFound, fmt.Sprintf("card not found with id: %d", id), nil)
}

// UserNotFound names the missing user
func UserNotFound(id int64) error {
	return with(ErrUserNotFound, fmt.Sprintf("user not found with id: %d", id), nil)
}

// UserNotFoundByName names the missing username
func UserNotFoundByName(username string) error {
	return with(ErrUserNotFound, fmt.Sprintf("user not found: %s", username), nil)
}

// CardNotActive names which side of a transfer is unusable
func CardNotActive(side string, id int64) error {
	return with(ErrCardNotActive, fmt.Sprintf("%s card %d is not active", side, id), nil)
}

// InvalidInput describes malformed caller data
func InvalidInput(format string, args ...any) error {
	return with(ErrInvalidInput, fmt.Sprintf(format, args...), nil)
}

// AccessDenied explains which permission is missing
func AccessDenied(msg string) error {
	return with(ErrAccessDenied, msg, nil)
}

// Crypto wraps a cipher failure
func Crypto(err error) error {
	return with(ErrCrypto, ErrCrypto.Message, err)
}

// Infrastructure wraps a store failure that is not a business outcome.
// Already classified errors pass through untouched.
func Infrastructure(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return with(ErrStoreUnavailable, "failed to "+op, err)
}

// ConcurrencyConflict reports a lock or version conflict that outlived its retry budget
func ConcurrencyConflict(err error) error {
	return with(ErrConcurrencyConflict, ErrConcurrencyConflict.Message, err)
}

// KindOf classifies err. Unclassified errors, including context
// cancellation and deadlines, are infrastructure failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfrastructure
}

// CodeOf returns the code of a classified error or CodeStoreUnavailable
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStoreUnavailable
}

// IsKind reports whether err is classified as kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsContextError reports whether err stems from context cancellation or deadline
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
