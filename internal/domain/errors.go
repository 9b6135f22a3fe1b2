package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidStatus    = errors.New("invalid job status")
	ErrChannelClosed    = errors.New("push channel closed")
	ErrNotConnected     = errors.New("push channel not connected")
	ErrMalformedMessage = errors.New("malformed channel message")
)
