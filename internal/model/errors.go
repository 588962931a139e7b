package model

import "errors"

// Sentinel errors shared across the pipeline.
var (
	// ErrTransientProvider network or timeout failure talking to a provider.
	// Left for the next scheduled run, never retried in a loop.
	ErrTransientProvider = errors.New("transient provider error")

	// ErrParse malformed message or calendar payload. Logged and skipped.
	ErrParse = errors.New("parse error")

	// ErrConfiguration missing calendar, credentials or unsupported settings.
	ErrConfiguration = errors.New("configuration error")

	// ErrAlreadyResponded the guarded responded write found the invite already answered.
	ErrAlreadyResponded = errors.New("invite already responded")

	// ErrLeaseHeld another worker holds the per-account or per-user lease.
	ErrLeaseHeld = errors.New("lease held by another worker")

	ErrAccountNotFound = errors.New("account not found")
	ErrInviteNotFound  = errors.New("invite not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrRuleNotFound    = errors.New("rule not found")
	ErrInvalidRule     = errors.New("invalid rule")
)
