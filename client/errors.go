package client

import "errors"

var (
	// ErrNotConnected indicates the operation requires a live session
	ErrNotConnected = errors.New("not connected to an MQTT broker")

	// ErrConnectionClosed indicates the session terminated while a caller
	// was waiting on an acknowledgement
	ErrConnectionClosed = errors.New("connection closed")

	// ErrResendLimitExceeded indicates the configured number of
	// retransmissions elapsed without an acknowledgement
	ErrResendLimitExceeded = errors.New("resend limit exceeded without acknowledgement")

	// ErrKeepAliveTimeout indicates no traffic arrived within the keep
	// alive period plus the acknowledgement timeout after a ping
	ErrKeepAliveTimeout = errors.New("no response to keep-alive ping")

	// Argument errors
	ErrMissingHost       = errors.New("no MQTT server host set")
	ErrMissingClientID   = errors.New("client identifier required when clean session is disabled")
	ErrClientIDTooLong   = errors.New("client identifier too long (maximum 23 characters for MQTT 3.1.0)")
	ErrEmptyTopic        = errors.New("topic must not be empty")
	ErrNoTopics          = errors.New("at least one topic is required")
	ErrUnsupportedScheme = errors.New("only the mqtt:// and mqtts:// schemes are supported")
	ErrInvalidVersion    = errors.New(`version must be "3.1.0" or "3.1.1"`)
)
