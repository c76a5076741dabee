// Package common provides shared constants, types, and utilities
// used across the VPN SSO client.
package common

import (
	"errors"
	"fmt"
)

// Sentinel errors.
// These can be checked with errors.Is() for proper error handling.
var (
	// Discovery errors.
	ErrDiscoveryUnreachable    = errors.New("failed to load OIDC configuration")
	ErrMissingEndpoint         = errors.New("failed to recover OIDC endpoints")
	ErrUnsupportedResponseType = errors.New("OIDC configuration does not support code response type")
	ErrUnsupportedScope        = errors.New("OIDC configuration does not support needed scopes")

	// Authorization errors.
	ErrStateMismatch = errors.New("authentication failed, invalid response")
	ErrAuthAborted   = errors.New("authentication aborted")
	ErrAuthTimeout   = errors.New("authentication timed out")
	ErrAuthDenied    = errors.New("authentication denied by provider")

	// Launch errors.
	ErrBinaryNotFound  = errors.New("OpenVPN was not found")
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidProfile  = errors.New("invalid profile file")

	// Connection errors.
	ErrServiceNotFound   = errors.New("authentication service not found")
	ErrNotConnected      = errors.New("no active connection")
	ErrConnectInProgress = errors.New("connection attempt superseded")
	ErrCancelled         = errors.New("connection cancelled")
	ErrTimeout           = errors.New("operation timed out")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")
)

// ExitError reports an unexpected exit of the VPN client process.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("OpenVPN exited with code %d", e.Code)
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
