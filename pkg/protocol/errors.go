package protocol

import (
	"errors"

	"github.com/egorzamaraev/atomix/pkg/rafterrors"
)

const (
	KindNone             ErrorKind = ""
	KindUnknownSession   ErrorKind = "unknown-session"
	KindUnknownOperation ErrorKind = "unknown-operation"
	KindCommandFailure   ErrorKind = "command-failure"
	KindQueryFailure     ErrorKind = "query-failure"
	KindApplicationError ErrorKind = "application-error"
	KindNoLeader         ErrorKind = "no-leader"
	KindProtocolError    ErrorKind = "protocol-error"
)

// ErrorKind is the wire form of the error taxonomy.
type ErrorKind string

// KindOf classifies an error for the wire. Handler failures that are not part
// of the taxonomy are reported as application errors.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, rafterrors.ErrUnknownSession), errors.Is(err, rafterrors.ErrSessionExpired):
		return KindUnknownSession
	case errors.Is(err, rafterrors.ErrUnknownOperation):
		return KindUnknownOperation
	case errors.Is(err, rafterrors.ErrCommandFailure):
		return KindCommandFailure
	case errors.Is(err, rafterrors.ErrQueryFailure):
		return KindQueryFailure
	case errors.Is(err, rafterrors.ErrNoLeader):
		return KindNoLeader
	case errors.Is(err, rafterrors.ErrProtocol):
		return KindProtocolError
	default:
		return KindApplicationError
	}
}

// ErrorOf rebuilds a client-side error from its wire form.
func ErrorOf(kind ErrorKind, message string) error {
	switch kind {
	case KindNone:
		return nil
	case KindUnknownSession:
		return rafterrors.ErrUnknownSession
	case KindUnknownOperation:
		return rafterrors.ErrUnknownOperation
	case KindCommandFailure:
		return rafterrors.ErrCommandFailure
	case KindQueryFailure:
		return rafterrors.ErrQueryFailure
	case KindNoLeader:
		return rafterrors.ErrNoLeader
	case KindProtocolError:
		return rafterrors.ErrProtocol
	default:
		return rafterrors.NewApplicationError(message)
	}
}

// ErrorHeader builds the response header for a failed operation.
func ErrorHeader(err error, index uint64) ResponseHeader {
	h := ResponseHeader{Status: StatusError, Error: KindOf(err), Index: index}
	if ae, ok := rafterrors.AsApplication(err); ok {
		h.Message = ae.Message
	}
	return h
}

// Err extracts the error carried by a response header, nil for OK.
func (h ResponseHeader) Err() error {
	if h.Status == StatusOK {
		return nil
	}
	return ErrorOf(h.Error, h.Message)
}
