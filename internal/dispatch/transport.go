package dispatch

import (
	"context"
	"errors"
)

var (
	ErrConnectionClosed = errors.New("push connection closed")
	ErrNoTransport      = errors.New("no transport configured for channel")
)

// PushTransport sends to a live connection owned by the connection layer.
// It returns ErrConnectionClosed when the handle is gone.
type PushTransport interface {
	Send(ctx context.Context, handle string, payload []byte) error
}

type EmailTransport interface {
	SendEmail(ctx context.Context, address string, msg Message) error
}

type SMSTransport interface {
	SendSMS(ctx context.Context, address string, msg Message) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (bad address, closed socket).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrNoTransport)
}
