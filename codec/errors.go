package codec

import "errors"

var (
	ErrTruncated          = errors.New("truncated message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrLengthMismatch     = errors.New("declared length does not match payload")
	ErrUnsupportedVersion = errors.New("unsupported schema version")
	ErrInvalidField       = errors.New("invalid field")
	ErrStringTooLong      = errors.New("string field too long")
)
