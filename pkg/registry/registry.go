package registry

import (
	"github.com/ghettovoice/gosip/sip"
)

// SessionDirectory tracks the active calls of a client, keyed by the remote
// party (user@serverHost). All methods are safe for concurrent use.
type SessionDirectory[S comparable] interface {
	// LoadOrStore inserts s unless key is taken. It returns the session
	// stored under key and whether it was already there.
	LoadOrStore(key string, s S) (S, bool)
	Load(key string) (S, bool)
	// Remove deletes key only while it still maps to s.
	Remove(key string, s S) bool
	Range(f func(key string, s S) bool)
	Len() int
}

type ContactInstance struct {
	Contact     *sip.ContactHeader
	RegExpires  uint32
	LastUpdated uint32
	Source      string
	UserAgent   string
	Transport   string
}

// NewContactInstanceForRequest captures the binding carried by a REGISTER.
func NewContactInstanceForRequest(request sip.Request) *ContactInstance {
	var expires sip.Expires
	if headers := request.GetHeaders("Expires"); len(headers) > 0 {
		if e, ok := headers[0].(*sip.Expires); ok {
			expires = *e
		}
	}
	instance := &ContactInstance{
		Source:     request.Source(),
		RegExpires: uint32(expires),
		Transport:  request.Transport(),
	}
	if contact, ok := request.Contact(); ok {
		instance.Contact = contact.Clone().(*sip.ContactHeader)
		if contact.Params != nil {
			if v, ok := contact.Params.Get("expires"); ok && v != nil && v.String() == "0" {
				instance.RegExpires = 0
			}
		}
	}
	if hdrs := request.GetHeaders("User-Agent"); len(hdrs) > 0 {
		if ua, ok := hdrs[0].(*sip.UserAgentHeader); ok {
			instance.UserAgent = string(*ua)
		}
	}
	return instance
}

// Registry Address-of-Record registry
type Registry interface {
	AddAor(aor sip.Uri, instance *ContactInstance) error
	RemoveAor(aor sip.Uri) error
	AorIsRegistered(aor sip.Uri) bool
	GetContacts(aor sip.Uri) (map[string]*ContactInstance, bool)
}
