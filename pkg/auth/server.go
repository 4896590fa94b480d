package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/icholy/digest"
)

const (
	NonceExpire = 180 * time.Second
)

// AuthSession .
type AuthSession struct {
	nonce   string
	created time.Time
}

type RequestCredentialCallback func(username string) (password string, err error)

// ServerAuthorizer issues WWW-Authenticate challenges and checks the
// Authorization answers. It is what a registrar does on the other side of
// ClientAuthorizer.
type ServerAuthorizer struct {
	// a map[call id]authSession pair
	sessions          map[string]AuthSession
	requestCredential RequestCredentialCallback
	realm             string
	log               log.Logger

	mx sync.Mutex
}

// NewServerAuthorizer .
func NewServerAuthorizer(callback RequestCredentialCallback, realm string, logger log.Logger) *ServerAuthorizer {
	return &ServerAuthorizer{
		sessions:          make(map[string]AuthSession),
		requestCredential: callback,
		realm:             realm,
		log:               logger.WithPrefix("ServerAuthorizer"),
	}
}

func (auth *ServerAuthorizer) Realm() string {
	return auth.realm
}

// Authenticate checks request. On success it returns the username and a nil
// response; otherwise the returned response (401, 403, 400 or 404) must be
// sent back.
func (auth *ServerAuthorizer) Authenticate(request sip.Request) (string, sip.Response) {
	auth.log.Debugf("Request => %s", request.Short())

	hdrs := request.GetHeaders("Authorization")
	if len(hdrs) == 0 {
		return "", auth.Challenge(request)
	}
	cred, err := digest.ParseCredentials(headerValue(hdrs[0]))
	if err != nil {
		return "", sip.NewResponseFromRequest(request.MessageID(), request, 400, "Bad Authorization header", "")
	}
	return auth.checkAuthorization(request, cred)
}

// Challenge builds a 401 carrying a fresh nonce remembered by Call-ID.
func (auth *ServerAuthorizer) Challenge(request sip.Request) sip.Response {
	callID, ok := request.CallID()
	if !ok {
		return sip.NewResponseFromRequest(request.MessageID(), request, 400, "Missing required Call-ID header.", "")
	}

	response := sip.NewResponseFromRequest(request.MessageID(), request, 401, "Unauthorized", "")
	nonce := generateNonce(8)
	opaque := generateNonce(4)

	response.AppendHeader(&sip.GenericHeader{
		HeaderName: "WWW-Authenticate",
		Contents: fmt.Sprintf(`Digest realm="%s",nonce="%s",opaque="%s",qop="%s",algorithm=MD5,stale=FALSE`,
			auth.realm, nonce, opaque, QopAuth),
	})

	auth.mx.Lock()
	auth.expire(time.Now())
	auth.sessions[callID.String()] = AuthSession{
		nonce:   nonce,
		created: time.Now(),
	}
	auth.mx.Unlock()
	response.SetBody("", true)
	return response
}

func (auth *ServerAuthorizer) checkAuthorization(request sip.Request, cred *digest.Credentials) (string, sip.Response) {
	callID, ok := request.CallID()
	if !ok {
		return "", sip.NewResponseFromRequest(request.MessageID(), request, 400, "Missing required Call-ID header.", "")
	}

	auth.mx.Lock()
	auth.expire(time.Now())
	session, found := auth.sessions[callID.String()]
	auth.mx.Unlock()
	if !found || cred.Nonce != session.nonce {
		return "", auth.Challenge(request)
	}

	password, err := auth.requestCredential(cred.Username)
	if err != nil {
		return "", sip.NewResponseFromRequest(request.MessageID(), request, 404, "User not found", "")
	}

	// HA1 = MD5(username:realm:password), HA2 = MD5(method:digestURI).
	ha1 := md5Hex(cred.Username + ":" + auth.realm + ":" + password)
	ha2 := md5Hex(string(request.Method()) + ":" + cred.URI)
	var result string
	if cred.QOP != "" {
		nc := fmt.Sprintf("%08x", cred.Nc)
		result = md5Hex(ha1 + ":" + session.nonce + ":" + nc + ":" + cred.Cnonce + ":" + cred.QOP + ":" + ha2)
	} else {
		result = md5Hex(ha1 + ":" + session.nonce + ":" + ha2)
	}

	if result != cred.Response {
		return "", sip.NewResponseFromRequest(request.MessageID(), request, 403, "Forbidden (Bad auth)", "")
	}
	return cred.Username, nil
}

// expire drops sessions older than NonceExpire. Caller holds mx.
func (auth *ServerAuthorizer) expire(now time.Time) {
	for k, v := range auth.sessions {
		if now.After(v.created.Add(NonceExpire)) {
			delete(auth.sessions, k)
		}
	}
}

func generateNonce(size int) string {
	bytes := make([]byte, size)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return hex.EncodeToString(bytes)
}
