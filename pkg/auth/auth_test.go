package auth

import (
	"testing"

	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/sip4k/sipbot/pkg/account"
	"github.com/sip4k/sipbot/pkg/message"
	"github.com/sip4k/sipbot/pkg/siperr"
	"github.com/sip4k/sipbot/pkg/utils"
)

var logger = utils.NewLogrusLogger(log.DebugLevel, "auth_test", nil)

func TestResponseRFC2617(t *testing.T) {
	got := Response("Mufasa", "testrealm@host.com", "Circle Of Life", "GET", "/dir/index.html",
		"dcd98b7102dd2f0e8b11d0f600bfb0c093", "00000001", "0a4f113b", "auth")
	require.Equal(t, "6629fae49393a05397450978507c4ef1", got)
}

func TestResponseMatchesDigest(t *testing.T) {
	for _, qop := range []string{"auth", ""} {
		chal := &digest.Challenge{
			Realm:     "asterisk",
			Nonce:     "5f1a9c2e",
			Algorithm: "MD5",
		}
		if qop != "" {
			chal.QOP = []string{qop}
		}
		cred, err := digest.Digest(chal, digest.Options{
			Method:   "REGISTER",
			URI:      ServerURI("pbx.example.com"),
			Username: "bot",
			Password: "secret",
			Cnonce:   "c0ffee",
			Count:    1,
		})
		require.NoError(t, err)

		got := ComputeResponse("bot", "asterisk", "secret", "REGISTER", "pbx.example.com", "5f1a9c2e", "00000001", "c0ffee", qop)
		require.Equal(t, cred.Response, got, "qop %q", qop)
	}
}

func TestParseChallenge(t *testing.T) {
	chal, err := ParseChallenge(`Digest realm="asterisk",nonce="abc",qop="auth-int,auth",algorithm=MD5,opaque="xyz"`)
	require.NoError(t, err)
	require.Equal(t, "asterisk", chal.Realm)
	require.Equal(t, "abc", chal.Nonce)
	require.Equal(t, "auth", chal.Qop)
	require.Equal(t, "xyz", chal.Opaque)

	chal, err = ParseChallenge(`Digest realm="asterisk",nonce="abc"`)
	require.NoError(t, err)
	require.Empty(t, chal.Qop)

	_, err = ParseChallenge(`Digest realm="asterisk"`)
	require.True(t, siperr.IsAuthentication(err))
}

func TestNonceCount(t *testing.T) {
	var nc NonceCount
	require.Equal(t, "00000001", nc.Next())
	require.Equal(t, "00000002", nc.Next())
}

func register(login string) sip.Request {
	b := message.NewBuilder(account.NewProfile(login, "", "pbx.example.com", 5060, "10.0.0.2", 5070), "", logger)
	return b.Register("call-1", "tag-1", 1, message.NewBranch(), 60, false)
}

func TestChallengeRoundTrip(t *testing.T) {
	users := map[string]string{"bot": "secret"}
	server := NewServerAuthorizer(func(user string) (string, error) {
		pw, ok := users[user]
		if !ok {
			return "", errors.New("unknown")
		}
		return pw, nil
	}, "sipbot", logger)

	req := register("bot")
	user, res := server.Authenticate(req)
	require.Empty(t, user)
	require.EqualValues(t, 401, res.StatusCode())

	client := NewClientAuthorizer("bot", "secret", "pbx.example.com")
	retry := register("bot")
	require.NoError(t, client.AuthorizeRequest(retry, res))
	require.Len(t, retry.GetHeaders("Authorization"), 1)

	user, res = server.Authenticate(retry)
	require.Nil(t, res)
	require.Equal(t, "bot", user)

	// authorizing twice replaces the header
	require.NoError(t, client.AuthorizeRequest(retry, server.Challenge(retry)))
	require.Len(t, retry.GetHeaders("Authorization"), 1)
}

func TestChallengeWrongPassword(t *testing.T) {
	server := NewServerAuthorizer(func(user string) (string, error) {
		return "secret", nil
	}, "sipbot", logger)

	req := register("bot")
	_, res := server.Authenticate(req)
	client := NewClientAuthorizer("bot", "guess", "pbx.example.com")
	retry := register("bot")
	require.NoError(t, client.AuthorizeRequest(retry, res))

	_, res = server.Authenticate(retry)
	require.EqualValues(t, 403, res.StatusCode())
}

func TestAuthorizeRequestErrors(t *testing.T) {
	client := NewClientAuthorizer("bot", "secret", "pbx.example.com")
	req := register("bot")

	ok := sip.NewResponseFromRequest("", req, 200, "OK", "")
	require.Error(t, client.AuthorizeRequest(req, ok))

	bare := sip.NewResponseFromRequest("", req, 401, "Unauthorized", "")
	err := client.AuthorizeRequest(req, bare)
	require.True(t, siperr.IsAuthentication(err))
	require.Empty(t, req.GetHeaders("Authorization"))
}
