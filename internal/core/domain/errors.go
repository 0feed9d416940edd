package domain

import "errors"

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUserOffline       = errors.New("user offline")
	ErrCallNotFound      = errors.New("call not found")
	ErrCallStatsNotFound = errors.New("call stats not found")
	ErrCallIDMismatch    = errors.New("call id mismatch")
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrNoActiveCall      = errors.New("no active call")
	ErrSenderMismatch    = errors.New("sender does not match registered user")
	ErrNotRegistered     = errors.New("connection not registered")
	ErrConnectionClosed  = errors.New("connection closed")
)
