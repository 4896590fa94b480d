package ua

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"go.uber.org/goleak"

	"github.com/sip4k/sipbot/pkg/account"
	"github.com/sip4k/sipbot/pkg/config"
	"github.com/sip4k/sipbot/pkg/message"
	"github.com/sip4k/sipbot/pkg/metrics"
	"github.com/sip4k/sipbot/pkg/mock"
	"github.com/sip4k/sipbot/pkg/rtp"
	"github.com/sip4k/sipbot/pkg/session"
	"github.com/sip4k/sipbot/pkg/siperr"
)

var (
	logger   log.Logger
	portBase atomic.Int32
)

func init() {
	logrusNew := logrus.New()
	logrusNew.Formatter = &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		ForceColors:     true,
		ForceFormatting: true,
	}
	logrusNew.SetLevel(logrus.DebugLevel)
	logger = log.NewLogrusLogger(logrusNew, "ua_test", nil)
	portBase.Store(43000)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newServer(t *testing.T, conf mock.ServerConfig) *mock.Server {
	if conf.Users == nil {
		conf.Users = map[string]string{"bot": "secret"}
	}
	conf.Logger = logger
	srv, err := mock.NewServer(conf)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(srv *mock.Server) *config.Config {
	conf := config.Default()
	conf.ServerHost = "127.0.0.1"
	conf.ServerPort = srv.Addr().Port
	conf.LocalHost = "127.0.0.1"
	conf.Login = "bot"
	conf.Password = "secret"
	low := int(portBase.Add(20))
	conf.RTPPortLow, conf.RTPPortHigh = low, low+10
	conf.SipTimeout = time.Second
	conf.RegisterInterval = time.Minute
	return conf
}

func newClient(t *testing.T, srv *mock.Server, conf *config.Config, opts ...Option) *Client {
	if conf == nil {
		conf = testConfig(srv)
	}
	opts = append([]Option{
		WithLogger(logger),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
	}, opts...)
	c, err := NewClient(conf, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestRegister(t *testing.T) {
	srv := newServer(t, mock.ServerConfig{})
	reported := make(chan account.RegisterState, 8)
	c := newClient(t, srv, nil, WithRegisterStateHandler(func(s account.RegisterState) {
		reported <- s
	}))
	ctx := context.Background()

	state, err := c.Register(ctx)
	require.NoError(t, err)
	require.True(t, state.Registered())
	require.EqualValues(t, 60, state.Expiration)
	require.Equal(t, RegRegistered, c.Registration().State())
	require.True(t, srv.Registered("bot"))

	first, err := srv.NextRequest(sip.REGISTER, time.Second)
	require.NoError(t, err)
	require.Empty(t, first.GetHeaders("Authorization"))
	second, err := srv.NextRequest(sip.REGISTER, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, second.GetHeaders("Authorization"))
	require.Equal(t, message.CallID(first), message.CallID(second))
	seq1, _ := message.CSeq(first)
	seq2, _ := message.CSeq(second)
	require.Equal(t, seq1+1, seq2)

	select {
	case s := <-reported:
		require.EqualValues(t, 200, s.StatusCode)
	case <-time.After(time.Second):
		t.Fatal("register state not reported")
	}

	require.NoError(t, c.Unregister(ctx))
	require.False(t, srv.Registered("bot"))
	require.Nil(t, c.Registration())
	require.ErrorIs(t, c.Unregister(ctx), siperr.ErrNotRegistered)
}

func TestRegisterBadPassword(t *testing.T) {
	srv := newServer(t, mock.ServerConfig{Users: map[string]string{"bot": "other"}})
	c := newClient(t, srv, nil)

	state, err := c.Register(context.Background())
	require.ErrorIs(t, err, siperr.ErrNotRegistered)
	require.EqualValues(t, 403, state.StatusCode)
	require.Equal(t, RegFailed, c.Registration().State())
	require.False(t, srv.Registered("bot"))
}

func TestRegisterRejected(t *testing.T) {
	srv := newServer(t, mock.ServerConfig{RegisterStatus: 503})
	c := newClient(t, srv, nil)

	state, err := c.Register(context.Background())
	require.ErrorIs(t, err, siperr.ErrNotRegistered)
	require.EqualValues(t, 503, state.StatusCode)
}

func TestRegisterTimeout(t *testing.T) {
	srv := newServer(t, mock.ServerConfig{SilentRegister: true})
	conf := testConfig(srv)
	conf.SipTimeout = 300 * time.Millisecond
	c := newClient(t, srv, conf)

	state, err := c.Register(context.Background())
	require.True(t, siperr.IsTimeout(err), "got %v", err)
	require.EqualValues(t, 408, state.StatusCode)
	require.Equal(t, RegFailed, c.Registration().State())
	require.False(t, srv.Registered("bot"))
}

func TestRegisterRefresh(t *testing.T) {
	srv := newServer(t, mock.ServerConfig{})
	conf := testConfig(srv)
	conf.RegisterInterval = 100 * time.Millisecond
	c := newClient(t, srv, conf)

	_, err := c.Register(context.Background())
	require.NoError(t, err)

	var (
		callID     string
		lastSeq    uint32
		authorized int
	)
	for i := 0; i < 6; i++ {
		req, err := srv.NextRequest(sip.REGISTER, time.Second)
		require.NoError(t, err)
		if callID == "" {
			callID = message.CallID(req)
		}
		require.Equal(t, callID, message.CallID(req))
		seq, _ := message.CSeq(req)
		require.Greater(t, seq, lastSeq)
		lastSeq = seq
		if len(req.GetHeaders("Authorization")) > 0 {
			authorized++
		}
	}
	require.GreaterOrEqual(t, authorized, 2, "refreshes answer the challenge")
	require.Equal(t, RegRegistered, c.Registration().State())
	require.True(t, srv.Registered("bot"))
}

func TestUnregisterChallenged(t *testing.T) {
	srv := newServer(t, mock.ServerConfig{})
	c := newClient(t, srv, nil)
	ctx := context.Background()

	_, err := c.Register(ctx)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := srv.NextRequest(sip.REGISTER, time.Second)
		require.NoError(t, err)
	}

	require.NoError(t, c.Unregister(ctx))
	first, err := srv.NextRequest(sip.REGISTER, time.Second)
	require.NoError(t, err)
	require.Equal(t, "0", message.HeaderValue(first, "Expires"))
	require.Empty(t, first.GetHeaders("Authorization"))
	second, err := srv.NextRequest(sip.REGISTER, time.Second)
	require.NoError(t, err)
	require.Equal(t, "0", message.HeaderValue(second, "Expires"))
	require.NotEmpty(t, second.GetHeaders("Authorization"))
	require.False(t, srv.Registered("bot"))
}

func TestOutgoingCall(t *testing.T) {
	srv := newServer(t, mock.ServerConfig{})
	c := newClient(t, srv, nil)
	ctx := context.Background()
	free := c.Ports().Available()

	s, err := c.Call(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, session.Active, s.State())
	require.Equal(t, "127.0.0.1", s.RemoteEndpoint().Host)
	require.Equal(t, srv.MediaAddr().Port, s.RemoteEndpoint().Port)
	require.Equal(t, free-1, c.Ports().Available())

	got, err := c.Session("alice")
	require.NoError(t, err)
	require.Same(t, s, got)

	ack, err := srv.NextRequest(sip.ACK, time.Second)
	require.NoError(t, err)
	require.Equal(t, s.CallID(), message.CallID(ack))

	_, err = c.Call(ctx, "alice")
	require.Error(t, err, "one call per party")

	require.NoError(t, c.SendAudio(ctx, "alice", make([]byte, 2*rtp.FrameSize)))
	p, err := srv.NextPacket(time.Second)
	require.NoError(t, err)
	require.EqualValues(t, rtp.PayloadPCMA, p.PayloadType)
	require.Len(t, p.Payload, rtp.FrameSize)

	require.NoError(t, c.EndSession(ctx, "alice"))
	bye, err := srv.NextRequest(sip.BYE, time.Second)
	require.NoError(t, err)
	require.Equal(t, s.CallID(), message.CallID(bye))
	require.Equal(t, session.Terminated, s.State())

	_, err = c.Session("alice")
	require.True(t, siperr.IsSessionNotFound(err))
	require.Equal(t, free, c.Ports().Available())
}

func TestOutgoingCallChallenged(t *testing.T) {
	srv := newServer(t, mock.ServerConfig{ChallengeInvites: true})
	c := newClient(t, srv, nil)

	s, err := c.Call(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, session.Active, s.State())

	first, err := srv.NextRequest(sip.INVITE, time.Second)
	require.NoError(t, err)
	require.Empty(t, first.GetHeaders("Authorization"))
	second, err := srv.NextRequest(sip.INVITE, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, second.GetHeaders("Authorization"))
	require.Equal(t, s.CallID(), message.CallID(second))
}

func TestOutgoingCallRejected(t *testing.T) {
	srv := newServer(t, mock.ServerConfig{InviteStatus: 486})
	c := newClient(t, srv, nil)
	free := c.Ports().Available()

	s, err := c.Call(context.Background(), "alice")
	require.ErrorIs(t, err, siperr.ErrCallRejected)
	require.EqualValues(t, 486, s.Result().StatusCode)
	require.Equal(t, session.Failed, s.State())
	require.Empty(t, c.Sessions())
	require.Equal(t, free, c.Ports().Available())

	ack, err := srv.NextRequest(sip.ACK, time.Second)
	require.NoError(t, err)
	require.Equal(t, s.CallID(), message.CallID(ack))
}

func TestOutgoingCallTimeout(t *testing.T) {
	srv := newServer(t, mock.ServerConfig{SilentInvites: true})
	conf := testConfig(srv)
	conf.SipTimeout = 300 * time.Millisecond
	c := newClient(t, srv, conf)
	free := c.Ports().Available()

	s, err := c.Call(context.Background(), "alice")
	require.True(t, siperr.IsTimeout(err), "got %v", err)
	require.Equal(t, session.Failed, s.State())
	require.Empty(t, c.Sessions())
	require.Equal(t, free, c.Ports().Available())
}

func TestPeerHangup(t *testing.T) {
	srv := newServer(t, mock.ServerConfig{})
	ended := make(chan string, 1)
	c := newClient(t, srv, nil, WithSessionEndHandler(func(user string) {
		ended <- user
	}))
	ctx := context.Background()

	s, err := c.Call(ctx, "alice")
	require.NoError(t, err)
	call, ok := srv.Call(s.CallID())
	require.True(t, ok)

	require.NoError(t, srv.Bye(ctx, call))
	select {
	case user := <-ended:
		require.Equal(t, "alice", user)
	case <-time.After(time.Second):
		t.Fatal("session end not reported")
	}
	require.Equal(t, session.Terminated, s.State())
	require.True(t, s.ByeReceived())
	require.Empty(t, c.Sessions())
	require.Equal(t, c.Ports().Size(), c.Ports().Available())

	_, err = srv.NextRequest(sip.BYE, 200*time.Millisecond)
	require.True(t, siperr.IsTimeout(err), "no BYE back to the peer")
	require.ErrorIs(t, s.SendAudio(ctx, make([]byte, 2*rtp.FrameSize)), siperr.ErrChannelClosed)
}

func TestIncomingCall(t *testing.T) {
	srv := newServer(t, mock.ServerConfig{})
	invited := make(chan string, 1)
	audio := make(chan int, 8)
	c := newClient(t, srv, nil,
		WithInviteHandler(func(s *session.Session) bool {
			invited <- s.RemoteUser()
			return true
		}),
		WithAudioHandler(func(user string, pcm []byte, isSilence, endOfPhrase bool) {
			if user == "carol" {
				audio <- len(pcm)
			}
		}),
	)
	ctx := context.Background()

	call, err := srv.Invite(ctx, "carol", "bot", c.LocalAddr())
	require.NoError(t, err)
	require.Equal(t, "carol", <-invited)

	s, err := c.Session("carol")
	require.NoError(t, err)
	require.Equal(t, session.Incoming, s.Direction())
	require.Equal(t, session.Active, s.State())
	require.Equal(t, s.LocalPort(), call.Remote.Port)

	// the second packet goes back in time and is dropped
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: call.Remote.Port}
	for i, ts := range []uint32{100, 80, 120} {
		require.NoError(t, srv.SendRTP(&rtp.Packet{
			Version:        2,
			PayloadType:    rtp.PayloadPCMA,
			SequenceNumber: uint16(i + 1),
			Timestamp:      ts,
			SSRC:           7,
			Payload:        make([]byte, rtp.FrameSize),
		}, addr))
	}
	for i := 0; i < 2; i++ {
		select {
		case n := <-audio:
			require.Equal(t, 2*rtp.FrameSize, n)
		case <-time.After(time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}
	select {
	case <-audio:
		t.Fatal("reordered frame delivered")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, c.EndSession(ctx, "carol"))
	bye, err := srv.NextRequest(sip.BYE, time.Second)
	require.NoError(t, err)
	require.Equal(t, call.Dialog.CallID, message.CallID(bye))
}

func TestIncomingCallDeclined(t *testing.T) {
	srv := newServer(t, mock.ServerConfig{})
	c := newClient(t, srv, nil, WithInviteHandler(func(s *session.Session) bool {
		return false
	}))

	_, err := srv.Invite(context.Background(), "carol", "bot", c.LocalAddr())
	require.ErrorIs(t, err, siperr.ErrCallRejected)
	require.Eventually(t, func() bool {
		return len(c.Sessions()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestIncomingCallBusy(t *testing.T) {
	srv := newServer(t, mock.ServerConfig{})
	c := newClient(t, srv, nil)
	ctx := context.Background()

	_, err := srv.Invite(ctx, "carol", "bot", c.LocalAddr())
	require.NoError(t, err)
	_, err = srv.Invite(ctx, "carol", "bot", c.LocalAddr())
	require.ErrorIs(t, err, siperr.ErrCallRejected)
	require.Len(t, c.Sessions(), 1)
}

func TestClose(t *testing.T) {
	srv := newServer(t, mock.ServerConfig{})
	c := newClient(t, srv, nil)
	ctx := context.Background()

	_, err := c.Register(ctx)
	require.NoError(t, err)
	s, err := c.Call(ctx, "alice")
	require.NoError(t, err)

	c.Close()
	require.Equal(t, session.Terminated, s.State())
	bye, err := srv.NextRequest(sip.BYE, time.Second)
	require.NoError(t, err)
	require.Equal(t, s.CallID(), message.CallID(bye))
	require.False(t, srv.Registered("bot"))

	_, err = c.Call(ctx, "alice")
	require.ErrorIs(t, err, siperr.ErrClientClosed)
	_, err = c.Register(ctx)
	require.ErrorIs(t, err, siperr.ErrClientClosed)
	c.Close()
}

func TestUnknownBye(t *testing.T) {
	srv := newServer(t, mock.ServerConfig{})
	c := newClient(t, srv, nil)

	stray := &mock.Call{
		Dialog: message.Dialog{CallID: message.NewCallID(), LocalTag: message.NewTag(), RemoteTag: message.NewTag(), RemoteUser: "bot"},
		Local:  "alice",
		Peer:   c.LocalAddr(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Bye(ctx, stray))
	require.Empty(t, c.Sessions())
}
