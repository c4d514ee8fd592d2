package sn

import "errors"

var (
	// ErrLengthMismatch indicates the length header disagrees with the
	// actual number of bytes in the buffer
	ErrLengthMismatch = errors.New("length of packet is not the same as the length header")

	// ErrUnexpectedEOF indicates the packet body ended before all
	// declared fields were read
	ErrUnexpectedEOF = errors.New("unexpected end of packet")

	// ErrPacketTooLarge indicates the body exceeds the maximum MQTT-SN
	// packet size (65,531 bytes of body)
	ErrPacketTooLarge = errors.New("payload is too big for MQTT-SN packet")

	ErrInvalidType           = errors.New("invalid MQTT-SN packet type")
	ErrInvalidQoS            = errors.New("invalid QoS level")
	ErrInvalidTopicIDType    = errors.New("invalid topic ID type")
	ErrShortTopicLength      = errors.New("short topic id must be exactly two characters")
	ErrUnsupportedProtocolID = errors.New("unsupported protocol ID number")
)

// ProtocolError represents a violation of the MQTT-SN wire protocol
type ProtocolError struct {
	Err     error
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message != "" {
		return e.Err.Error() + ": " + e.Message
	}
	return e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
