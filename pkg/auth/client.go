package auth

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ghettovoice/gosip/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/pkg/errors"

	"github.com/sip4k/sipbot/pkg/siperr"
)

const (
	QopAuth   = "auth"
	Transport = "udp"
)

// Challenge is the digest challenge carried by a 401 WWW-Authenticate header.
type Challenge struct {
	Realm     string
	Nonce     string
	Qop       string
	Algorithm string
	Opaque    string
	Stale     bool
}

// ParseChallenge parses a WWW-Authenticate value. A challenge without realm
// or nonce is rejected.
func ParseChallenge(value string) (*Challenge, error) {
	chal, err := digest.ParseChallenge(value)
	if err != nil {
		return nil, &siperr.AuthenticationError{Reason: "unparsable challenge: " + err.Error()}
	}
	if chal.Realm == "" || chal.Nonce == "" {
		return nil, &siperr.AuthenticationError{Reason: "challenge without realm or nonce"}
	}
	c := &Challenge{
		Realm:     chal.Realm,
		Nonce:     chal.Nonce,
		Algorithm: chal.Algorithm,
		Opaque:    chal.Opaque,
		Stale:     chal.Stale,
	}
	for _, q := range chal.QOP {
		if q == QopAuth {
			c.Qop = QopAuth
			break
		}
	}
	if c.Qop == "" && len(chal.QOP) > 0 {
		c.Qop = chal.QOP[0]
	}
	return c, nil
}

// ChallengeFromResponse extracts the challenge from a 401 response.
func ChallengeFromResponse(response sip.Response) (*Challenge, error) {
	hdrs := response.GetHeaders("WWW-Authenticate")
	if len(hdrs) == 0 {
		return nil, &siperr.AuthenticationError{Reason: "401 without WWW-Authenticate"}
	}
	return ParseChallenge(headerValue(hdrs[0]))
}

// ServerURI is the digest uri used for every request: sip:<server>;transport=udp.
func ServerURI(serverHost string) string {
	return "sip:" + serverHost + ";transport=" + Transport
}

// ComputeResponse calculates the digest response https://www.ietf.org/rfc/rfc2617.txt
//
//	HA1 = MD5(user:realm:password)
//	HA2 = MD5(method:sip:serverHost;transport=udp)
//	response = MD5(HA1:nonce:nc:cnonce:qop:HA2)
//
// An empty qop falls back to MD5(HA1:nonce:HA2).
func ComputeResponse(user, realm, password, method, serverHost, nonce, nc, cnonce, qop string) string {
	return Response(user, realm, password, method, ServerURI(serverHost), nonce, nc, cnonce, qop)
}

// Response is the RFC 2617 digest for an arbitrary digest uri.
func Response(user, realm, password, method, uri, nonce, nc, cnonce, qop string) string {
	ha1 := md5Hex(user + ":" + realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)
	if qop == "" {
		return md5Hex(ha1 + ":" + nonce + ":" + ha2)
	}
	return md5Hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
}

// NonceCount is the per-dialog nc counter.
type NonceCount struct {
	n atomic.Uint32
}

// Next returns the next value as 8 zero-padded hex digits: 00000001, 00000002, ...
func (c *NonceCount) Next() string {
	return fmt.Sprintf("%08x", c.n.Add(1))
}

// Credentials is the Authorization header value.
type Credentials struct {
	Username  string
	Realm     string
	Nonce     string
	URI       string
	Response  string
	Cnonce    string
	Nc        string
	Qop       string
	Algorithm string
	Opaque    string
}

func (c *Credentials) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s",realm="%s",nonce="%s",uri="%s",response="%s"`,
		c.Username, c.Realm, c.Nonce, c.URI, c.Response)
	if c.Qop != "" {
		fmt.Fprintf(&b, `,cnonce="%s",nc=%s,qop=%s`, c.Cnonce, c.Nc, c.Qop)
	}
	if c.Algorithm != "" {
		fmt.Fprintf(&b, ",algorithm=%s", c.Algorithm)
	}
	if c.Opaque != "" {
		fmt.Fprintf(&b, `,opaque="%s"`, c.Opaque)
	}
	return b.String()
}

// Header wraps the credentials in an Authorization header.
func (c *Credentials) Header() *sip.GenericHeader {
	return &sip.GenericHeader{
		HeaderName: "Authorization",
		Contents:   c.String(),
	}
}

// ClientAuthorizer answers digest challenges for one account. The cnonce is
// generated once per authorizer, nc is counted per authorizer.
type ClientAuthorizer struct {
	user       string
	password   string
	serverHost string
	cnonce     string
	nc         NonceCount
}

func NewClientAuthorizer(user, password, serverHost string) *ClientAuthorizer {
	return &ClientAuthorizer{
		user:       user,
		password:   password,
		serverHost: serverHost,
		cnonce:     uuid.NewString(),
	}
}

// Credentials computes the answer to chal for method.
func (a *ClientAuthorizer) Credentials(chal *Challenge, method sip.RequestMethod) *Credentials {
	nc := a.nc.Next()
	return &Credentials{
		Username:  a.user,
		Realm:     chal.Realm,
		Nonce:     chal.Nonce,
		URI:       ServerURI(a.serverHost),
		Response:  ComputeResponse(a.user, chal.Realm, a.password, string(method), a.serverHost, chal.Nonce, nc, a.cnonce, chal.Qop),
		Cnonce:    a.cnonce,
		Nc:        nc,
		Qop:       chal.Qop,
		Algorithm: chal.Algorithm,
		Opaque:    chal.Opaque,
	}
}

// AuthorizeRequest attaches Authorization to request using the challenge of
// a 401 response. Branch and CSeq are the caller's business.
func (a *ClientAuthorizer) AuthorizeRequest(request sip.Request, response sip.Response) error {
	if response.StatusCode() != 401 {
		return errors.Errorf("authorize request: unexpected status %d", response.StatusCode())
	}
	chal, err := ChallengeFromResponse(response)
	if err != nil {
		return err
	}
	request.RemoveHeader("Authorization")
	request.AppendHeader(a.Credentials(chal, request.Method()).Header())
	return nil
}

func md5Hex(data string) string {
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}

// headerValue returns the raw value of a parsed header.
func headerValue(h sip.Header) string {
	if g, ok := h.(*sip.GenericHeader); ok {
		return g.Contents
	}
	s := h.String()
	if i := strings.Index(s, ":"); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
