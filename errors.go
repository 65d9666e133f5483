package krot

import (
	"encoding/json"
	"errors"
	"fmt"
)

// KrotErrorCode is an integer type used to represent different types of errors in the application.
type KrotErrorCode int

const (
	_ KrotErrorCode = iota

	// ErrCodeInvalidSettings is used when the settings provided are invalid.
	ErrCodeInvalidSettings
)

const (
	_ KrotErrorCode = 99 + iota

	// ErrCodeInvalidPolicy is used when a rotation policy is invalid.
	ErrCodeInvalidPolicy

	// ErrCodeInvalidKeySize is used when the RSA modulus size is not supported.
	ErrCodeInvalidKeySize

	// ErrCodeInvalidArgument is used when an invalid argument is passed.
	ErrCodeInvalidArgument
)

const (
	_ KrotErrorCode = 199 + iota

	// ErrCodeRotatorAlreadyRunning is used when the rotator is already running.
	ErrCodeRotatorAlreadyRunning

	// ErrCodeSchedulerAlreadyRunning is used when the scheduler is already running.
	ErrCodeSchedulerAlreadyRunning

	// ErrCodeKeyGeneration is used when a key pair could not be generated.
	ErrCodeKeyGeneration
)

const (
	_ KrotErrorCode = 299 + iota

	// ErrCodeKeyNotFound is used when a key is not found in the storage.
	ErrCodeKeyNotFound
)

// ErrorKind tells callers how an error must be propagated.
type ErrorKind uint

const (
	// KindRecoverable errors are logged and the affected operation is skipped.
	KindRecoverable ErrorKind = iota

	// KindFatal errors mean the process cannot serve tokens and should exit.
	KindFatal
)

func (k ErrorKind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "recoverable"
}

type KrotError interface {
	// Code returns the error code.
	Code() KrotErrorCode
	// Kind returns the propagation kind of the error.
	Kind() ErrorKind
	// Cause returns the cause of the error.
	Cause() error
	// Wrap wraps the error with the cause.
	Wrap(err error) error
	// Error returns the error message.
	Error() string
}

var (
	// ErrKeyNotFound is returned when a key is not found in the storage.
	ErrKeyNotFound = newError(ErrCodeKeyNotFound, "key not found")

	// ErrInvalidSettings is returned when the settings are invalid.
	ErrInvalidSettings = newError(ErrCodeInvalidSettings, "invalid settings")

	// ErrInvalidPolicy is returned when the rotation policy is invalid.
	ErrInvalidPolicy = newError(ErrCodeInvalidPolicy, "invalid rotation policy")

	// ErrInvalidKeySize is returned when the key size is not supported.
	ErrInvalidKeySize = newError(ErrCodeInvalidKeySize, "invalid key size")

	// ErrInvalidArgument is returned when an invalid argument is passed.
	ErrInvalidArgument = newError(ErrCodeInvalidArgument, "invalid argument")

	// ErrRotatorAlreadyRunning is returned when the rotator is already running.
	ErrRotatorAlreadyRunning = newError(ErrCodeRotatorAlreadyRunning, "rotator already running")

	// ErrSchedulerAlreadyRunning is returned when the scheduler is already running.
	ErrSchedulerAlreadyRunning = newError(ErrCodeSchedulerAlreadyRunning, "scheduler already running")

	// ErrKeyGeneration is returned when the platform cannot produce an RSA key pair.
	ErrKeyGeneration = newFatalError(ErrCodeKeyGeneration, "key generation failed")
)

// IsFatal reports whether err, or any error it wraps, is a KrotError of fatal kind.
func IsFatal(err error) bool {
	var krotErr KrotError
	if !errors.As(err, &krotErr) {
		return false
	}

	return krotErr.Kind() == KindFatal
}

type krotErrorJSON struct {
	Code    KrotErrorCode `json:"code"`
	Kind    string        `json:"kind"`
	Message string        `json:"message"`
	Cause   any           `json:"cause,omitempty"`
}

type krotError struct {
	code    KrotErrorCode
	kind    ErrorKind
	message string
	cause   error
}

func newError(code KrotErrorCode, message string) KrotError {
	return &krotError{
		code:    code,
		message: message,
	}
}

func newFatalError(code KrotErrorCode, message string) KrotError {
	return &krotError{
		code:    code,
		kind:    KindFatal,
		message: message,
	}
}

func (e *krotError) Code() KrotErrorCode {
	return e.code
}

func (e *krotError) Kind() ErrorKind {
	return e.kind
}

func (e *krotError) Error() string {
	if e.cause == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.cause)
}

func (e *krotError) Cause() error {
	return e.cause
}

func (e *krotError) Wrap(err error) error {
	if e.cause != nil || err == nil {
		return e
	}

	wrapped := *e
	wrapped.cause = err
	return &wrapped
}

func (e *krotError) Unwrap() error {
	return e.cause
}

func (e *krotError) Is(target error) bool {
	if e == nil {
		return false
	}

	err, ok := target.(KrotError)
	if ok {
		return e.Code() == err.Code()
	}

	return false
}

func (e *krotError) MarshalJSON() ([]byte, error) {
	return json.Marshal(krotErrorJSON{
		Code:    e.code,
		Kind:    e.kind.String(),
		Message: e.message,
		Cause:   encodeCause(e.cause),
	})
}

func (e *krotError) UnmarshalJSON(source []byte) error {
	var decoded krotErrorJSON
	if err := json.Unmarshal(source, &decoded); err != nil {
		return err
	}

	cause, err := decodeCause(decoded.Cause)
	if err != nil {
		return err
	}

	e.code = decoded.Code
	e.message = decoded.Message
	e.kind = KindRecoverable
	if decoded.Kind == KindFatal.String() {
		e.kind = KindFatal
	}
	e.cause = cause

	return nil
}

// encodeCause keeps coded causes as objects and flattens everything else
// into its messages: a string for a single error, a list for joined or
// wrapped chains.
func encodeCause(cause error) any {
	if cause == nil {
		return nil
	}

	if coded, ok := cause.(KrotError); ok {
		return coded
	}

	var messages []string
	if joined, ok := cause.(interface{ Unwrap() []error }); ok {
		for _, err := range joined.Unwrap() {
			messages = append(messages, err.Error())
		}
		return messages
	}

	if errors.Unwrap(cause) == nil {
		return cause.Error()
	}

	for ; cause != nil; cause = errors.Unwrap(cause) {
		messages = append(messages, cause.Error())
	}
	return messages
}

func decodeCause(raw any) (error, error) {
	switch cause := raw.(type) {
	case string:
		return errors.New(cause), nil

	case []any:
		var errs []error
		for _, item := range cause {
			if message, ok := item.(string); ok {
				errs = append(errs, errors.New(message))
			}
		}
		return errors.Join(errs...), nil

	case map[string]any:
		data, err := json.Marshal(cause)
		if err != nil {
			return nil, err
		}

		nested := &krotError{}
		if err := json.Unmarshal(data, nested); err != nil {
			return nil, err
		}
		return nested, nil
	}

	return nil, nil
}
