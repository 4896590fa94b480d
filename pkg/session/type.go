package session

import (
	"github.com/ghettovoice/gosip/sip"
)

// ReasonPhrase of the statuses this agent sends or reports.
var ReasonPhrase = map[sip.StatusCode]string{
	100: "Trying",
	180: "Ringing",
	183: "Session Progress",
	200: "OK",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	500: "Server Internal Error",
	503: "Service Unavailable",
	603: "Decline",
}

// Reason returns the phrase for code, or an empty string.
func Reason(code sip.StatusCode) string {
	return ReasonPhrase[code]
}

type Status string

const (
	Idle           Status = "Idle"           /**< Created, nothing sent. */
	InviteSent     Status = "InviteSent"     /**< After INVITE is sent. */
	Authenticating Status = "Authenticating" /**< After INVITE is resent with credentials. */
	Active         Status = "Active"         /**< Media is flowing. */
	ByeSent        Status = "ByeSent"        /**< After BYE is sent. */
	Terminated     Status = "Terminated"     /**< Ended after being active. */
	Failed         Status = "Failed"         /**< Rejected, timed out or cancelled before answer. */
)

type Direction string

const (
	Outgoing Direction = "Outgoing"
	Incoming Direction = "Incoming"
)

type trigger string

const (
	triggerInvite    trigger = "invite"
	triggerChallenge trigger = "challenge"
	triggerAnswer    trigger = "answer"
	triggerAccept    trigger = "accept"
	triggerHangup    trigger = "hangup"
	triggerEnd       trigger = "end"
	triggerFail      trigger = "fail"
)

// CallResult is the final outcome of call setup. A zero StatusCode means
// no final response was received.
type CallResult struct {
	StatusCode sip.StatusCode
	Reason     string
}

// Success reports a 2xx outcome.
func (r CallResult) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// AudioHandler receives decoded inbound audio: 16-bit big-endian PCM and
// the silence verdict of the frame.
type AudioHandler func(pcm []byte, isSilence bool)
