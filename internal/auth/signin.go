package auth

import (
	"context"
	"errors"
)

// SignInError carries a message suitable for showing to the user.
type SignInError struct {
	Message string
	Err     error
}

func (e *SignInError) Error() string { return e.Message }

func (e *SignInError) Unwrap() error { return e.Err }

func newSignInError(err error) *SignInError {
	msg := "Sign-in failed. Please try again."
	switch {
	case errors.Is(err, ErrNoCredentials):
		msg = "Enter a user ID and password to sign in."
	case errors.Is(err, ErrRejected):
		msg = "The user ID or password is incorrect."
	case errors.Is(err, context.DeadlineExceeded):
		msg = "The server did not respond. Check your connection and try again."
	}
	return &SignInError{Message: msg, Err: err}
}
