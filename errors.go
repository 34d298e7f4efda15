package shardline

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionClosed is returned for work that was pending when a session or
	// client was shut down.
	ErrSessionClosed = errors.New(ErrMsgSessionClosed)

	// ErrNotConnected is returned when a gateway command is sent while the shard
	// has no live connection.
	ErrNotConnected = errors.New(ErrMsgNotConnected)

	// ErrAlreadyOpen is returned by Open on a session that was already started.
	ErrAlreadyOpen = errors.New(ErrMsgAlreadyOpen)

	// ErrDispatcherClosed is returned when an event is dispatched after Close.
	ErrDispatcherClosed = errors.New(ErrMsgDispatcherClosed)

	// ErrAuthenticationFailed matches a GatewayError for close code 4004 and a
	// RESTError of KindAuth.
	ErrAuthenticationFailed = errors.New(ErrMsgAuthenticationFailed)
)

// ErrorKind classifies REST failures so callers can decide whether to retry.
type ErrorKind int

const (
	// KindPermanent failures will fail again if retried unchanged.
	KindPermanent ErrorKind = iota
	// KindTransient failures are network or server side and were already
	// retried with backoff before being surfaced.
	KindTransient
	// KindRateLimited means the request kept hitting 429 responses until the
	// retry budget ran out.
	KindRateLimited
	// KindAuth means the credential was rejected.
	KindAuth
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// RESTError describes a failed REST call.
type RESTError struct {
	Kind       ErrorKind
	Route      string
	Status     int
	Code       int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RESTError) Error() string {
	msg := fmt.Sprintf("rest %s: %s", e.Route, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RESTError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrAuthenticationFailed) match auth failures.
func (e *RESTError) Is(target error) bool {
	return target == ErrAuthenticationFailed && e.Kind == KindAuth
}

// GatewayError reports why a shard stopped or failed to connect.
type GatewayError struct {
	Shard  int
	Code   int
	Reason string
	Fatal  bool
	Err    error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("gateway shard %d", e.Shard)
	if e.Code != 0 {
		msg += fmt.Sprintf(": close %d", e.Code)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool {
	return target == ErrAuthenticationFailed && e.Code == CloseAuthenticationFailed
}

func kindOf(err error) (ErrorKind, bool) {
	var re *RESTError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return 0, false
}

// IsTransient reports whether err is a retryable network or server failure.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// IsRateLimited reports whether err is a rate limit that outlasted the retry budget.
func IsRateLimited(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRateLimited
}

// IsPermanent reports whether err will not succeed on retry.
func IsPermanent(err error) bool {
	k, ok := kindOf(err)
	return ok && (k == KindPermanent || k == KindAuth)
}

// IsAuth reports whether err is a rejected credential.
func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}
