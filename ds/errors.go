package ds

import (
	"fmt"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
)

// ClientErrorType is the closed set of protocol faults tied to a session.
type ClientErrorType uint8

const (
	UnknownClientErrorType ClientErrorType = iota
	UnknownClient
	DuplicateLogin
	SessionNotFound
	MalformedMessage
	ServiceShuttingDown
)

var clientErrorTypeNames = map[ClientErrorType]string{
	UnknownClient:       "UnknownClient",
	DuplicateLogin:      "DuplicateLogin",
	SessionNotFound:     "SessionNotFound",
	MalformedMessage:    "MalformedMessage",
	ServiceShuttingDown: "ServiceShuttingDown",
}

func (t ClientErrorType) String() string {
	if name, ok := clientErrorTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ClientErrorType(%d)", uint8(t))
}

func (t ClientErrorType) IsValid() bool {
	_, ok := clientErrorTypeNames[t]
	return ok
}

// DataErrorType is the closed set of faults on the data path.
type DataErrorType uint8

const (
	UnknownDataErrorType DataErrorType = iota
	DecodeFailure
	UnsupportedSymbol
	UpstreamUnavailable
	UnsupportedDataKind
	StopTimeout
	StartCancelled
)

var dataErrorTypeNames = map[DataErrorType]string{
	DecodeFailure:       "DecodeFailure",
	UnsupportedSymbol:   "UnsupportedSymbol",
	UpstreamUnavailable: "UpstreamUnavailable",
	UnsupportedDataKind: "UnsupportedDataKind",
	StopTimeout:         "StopTimeout",
	StartCancelled:      "StartCancelled",
}

func (t DataErrorType) String() string {
	if name, ok := dataErrorTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DataErrorType(%d)", uint8(t))
}

func (t DataErrorType) IsValid() bool {
	_, ok := dataErrorTypeNames[t]
	return ok
}

// ClientError is both a wire message and a Go error.
type ClientError struct {
	ClientID  common.ClientID
	ErrorType ClientErrorType
	Message   string
}

func NewClientError(clientID common.ClientID, errorType ClientErrorType, format string, args ...any) ClientError {
	return ClientError{
		ClientID:  clientID,
		ErrorType: errorType,
		Message:   fmt.Sprintf(format, args...),
	}
}

func (ClientError) MessageType() MessageType       { return TypeClientError }
func (e ClientError) GetClientID() common.ClientID { return e.ClientID }

func (e ClientError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("client %d: %s", e.ClientID, e.ErrorType)
	}
	return fmt.Sprintf("client %d: %s: %s", e.ClientID, e.ErrorType, e.Message)
}

// DataError reports a data path fault; it carries no client id.
type DataError struct {
	ErrorType DataErrorType
	Message   string
}

func NewDataError(errorType DataErrorType, format string, args ...any) DataError {
	return DataError{
		ErrorType: errorType,
		Message:   fmt.Sprintf(format, args...),
	}
}

func (DataError) MessageType() MessageType { return TypeDataError }

func (e DataError) Error() string {
	if e.Message == "" {
		return e.ErrorType.String()
	}
	return fmt.Sprintf("%s: %s", e.ErrorType, e.Message)
}
