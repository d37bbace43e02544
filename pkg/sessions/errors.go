package sessions

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a gateway failure. Kinds are comparable sentinels: errors.Is(err, ErrSendFailure)
// matches both a bare Kind and a *Failure of that kind.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	ErrSessionNotFound        Kind = "session not found"
	ErrInvalidSessionID       Kind = "invalid session id"
	ErrAuthFailure            Kind = "authentication failure"
	ErrDisconnected           Kind = "session disconnected"
	ErrPairingTimeout         Kind = "pairing timed out"
	ErrLogoutFailure          Kind = "logout failure"
	ErrInvalidRecipient       Kind = "invalid recipient"
	ErrSendFailure            Kind = "send failure"
	ErrMediaSendFailure       Kind = "media send failure"
	ErrMessageNotFound        Kind = "message not found"
	ErrMediaDownloadFailure   Kind = "media download failure"
	ErrQueryFailure           Kind = "query failure"
	ErrWebhookDeliveryFailure Kind = "webhook delivery failure"
	ErrTimeout                Kind = "connector call timed out"
)

// Failure is a typed, session-scoped error carrying the underlying cause.
type Failure struct {
	Kind      Kind
	SessionID string
	Op        string
	Err       error
}

// Fail builds a Failure. err may be nil.
func Fail(kind Kind, sessionID, op string, err error) *Failure {
	return &Failure{Kind: kind, SessionID: sessionID, Op: op, Err: err}
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	msg := string(f.Kind)
	if f.Op != "" {
		msg = f.Op + ": " + msg
	}
	if f.SessionID != "" {
		msg = fmt.Sprintf("%s (session %s)", msg, f.SessionID)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && f != nil && k == f.Kind
}

// KindOf returns the outermost failure kind found in err's chain.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	var f *Failure
	if errors.As(err, &f) && f != nil {
		return f.Kind, true
	}
	var k Kind
	if errors.As(err, &k) {
		return k, true
	}
	return "", false
}
