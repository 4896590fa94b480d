package siperr

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNoWaiter      = errors.New("response has no waiter")
	ErrSlotBusy      = errors.New("response slot already has a waiter")
	ErrSlotClosed    = errors.New("response slot closed")
	ErrChannelClosed = errors.New("media channel closed")
	ErrCallRejected  = errors.New("call rejected")
	ErrClientClosed  = errors.New("client closed")
	ErrNotRegistered = errors.New("client is not registered")
)

// SipTimeoutError is returned when no final response arrives within the
// transaction deadline.
type SipTimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *SipTimeoutError) Error() string {
	return fmt.Sprintf("sip timeout: no final response to %s within %v", e.Method, e.Timeout)
}

// AuthenticationError is returned when a digest retry is rejected again or
// the challenge can not be parsed.
type AuthenticationError struct {
	Method string
	Reason string
}

func (e *AuthenticationError) Error() string {
	if e.Method == "" {
		return "authentication failed: " + e.Reason
	}
	return fmt.Sprintf("authentication failed for %s: %s", e.Method, e.Reason)
}

type NoFreePortError struct {
	Low  int
	High int
}

func (e *NoFreePortError) Error() string {
	return fmt.Sprintf("no free rtp port in range [%d, %d]", e.Low, e.High)
}

type SessionNotFoundError struct {
	User string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("no such sip session: %s", e.User)
}

type MalformedSdpError struct {
	Reason string
}

func (e *MalformedSdpError) Error() string {
	return "malformed sdp: " + e.Reason
}

type UnsupportedMethodError struct {
	Method string
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("unsupported sip method %s", e.Method)
}

func IsTimeout(err error) bool {
	var e *SipTimeoutError
	return errors.As(err, &e)
}

func IsAuthentication(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}

func IsNoFreePort(err error) bool {
	var e *NoFreePortError
	return errors.As(err, &e)
}

func IsSessionNotFound(err error) bool {
	var e *SessionNotFoundError
	return errors.As(err, &e)
}

func IsMalformedSdp(err error) bool {
	var e *MalformedSdpError
	return errors.As(err, &e)
}
