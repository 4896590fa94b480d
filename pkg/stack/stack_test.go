package stack

import (
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"go.uber.org/goleak"

	"github.com/sip4k/sipbot/pkg/account"
	"github.com/sip4k/sipbot/pkg/message"
	"github.com/sip4k/sipbot/pkg/metrics"
	"github.com/sip4k/sipbot/pkg/siperr"
	"github.com/sip4k/sipbot/pkg/utils"
)

const maxDatagram = 65535

var logger log.Logger

func init() {
	logrusNew := logrus.New()
	logrusNew.Formatter = &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		ForceColors:     true,
		ForceFormatting: true,
	}
	logrusNew.SetLevel(logrus.DebugLevel)
	logger = log.NewLogrusLogger(logrusNew, "stack_test", nil)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStack(t *testing.T) *SipStack {
	s, err := NewSipStack(&SipStackConfig{
		Host:    "127.0.0.1",
		Metrics: metrics.New(prometheus.NewRegistry()),
	}, logger)
	require.NoError(t, err)
	s.Listen()
	t.Cleanup(s.Shutdown)
	return s
}

type peer struct {
	t    *testing.T
	conn *net.UDPConn
}

func newPeer(t *testing.T) *peer {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) send(to *net.UDPAddr, data string) {
	_, err := p.conn.WriteToUDP([]byte(data), to)
	require.NoError(p.t, err)
}

func (p *peer) recv() sip.Message {
	buf := make([]byte, maxDatagram)
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := p.conn.ReadFromUDP(buf)
	require.NoError(p.t, err)
	msg, err := message.Parse(buf[:n], logger)
	require.NoError(p.t, err)
	return msg
}

func (p *peer) silent(d time.Duration) {
	buf := make([]byte, maxDatagram)
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(d)))
	_, _, err := p.conn.ReadFromUDP(buf)
	require.Error(p.t, err, "unexpected datagram")
}

func rawRequest(method, branch, callID string, from *net.UDPAddr) string {
	return fmt.Sprintf("%s sip:bot@127.0.0.1 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP %s;branch=%s\r\n"+
		"Max-Forwards: 70\r\n"+
		"From: <sip:peer@127.0.0.1>;tag=peertag\r\n"+
		"To: <sip:bot@127.0.0.1>\r\n"+
		"Call-ID: %s\r\n"+
		"CSeq: 1 %s\r\n"+
		"Content-Length: 0\r\n\r\n", method, from, branch, callID, method)
}

func TestOptionsAnswered(t *testing.T) {
	s := newStack(t)
	b := message.NewBuilder(account.NewProfile("bot", "", "127.0.0.1", 5060, "127.0.0.1", s.LocalAddr().Port), "", logger)
	s.OnRequest(sip.OPTIONS, func(req sip.Request, from *net.UDPAddr) {
		assert.NoError(t, s.Respond(req, b.OptionsResponse(req)))
	})

	p := newPeer(t)
	p.send(s.LocalAddr(), rawRequest("OPTIONS", "z9hG4bK-opt", "options-1", p.conn.LocalAddr().(*net.UDPAddr)))

	res, ok := p.recv().(sip.Response)
	require.True(t, ok)
	require.EqualValues(t, 200, res.StatusCode())
	require.Equal(t, "options-1", message.CallID(res))

	allow := message.HeaderValue(res, "Allow")
	for _, m := range []string{"INVITE", "ACK", "BYE", "OPTIONS"} {
		require.Contains(t, allow, m)
	}
	require.Contains(t, message.HeaderValue(res, "Supported"), "X-cisco-serviceuri")
	require.Len(t, res.GetHeaders("Allow"), 1)
}

func TestUnknownMethod(t *testing.T) {
	s := newStack(t)
	p := newPeer(t)
	p.send(s.LocalAddr(), rawRequest("SUBSCRIBE", "z9hG4bK-sub", "subscribe-1", p.conn.LocalAddr().(*net.UDPAddr)))

	res, ok := p.recv().(sip.Response)
	require.True(t, ok)
	require.EqualValues(t, 405, res.StatusCode())
	require.Equal(t, "SIP/2.0", res.SipVersion())
	require.Equal(t, DefaultUserAgent, message.HeaderValue(res, "User-Agent"))
}

func TestUnhandledAckIgnored(t *testing.T) {
	s := newStack(t)
	p := newPeer(t)
	p.send(s.LocalAddr(), rawRequest("ACK", "z9hG4bK-ack", "ack-1", p.conn.LocalAddr().(*net.UDPAddr)))
	p.silent(200 * time.Millisecond)
}

func TestRetransmissionAnsweredFromCache(t *testing.T) {
	s := newStack(t)
	var calls atomic.Int32
	s.OnRequest(sip.BYE, func(req sip.Request, from *net.UDPAddr) {
		calls.Add(1)
		assert.NoError(t, s.Respond(req, sip.NewResponseFromRequest(req.MessageID(), req, 200, "OK", "")))
	})

	p := newPeer(t)
	raw := rawRequest("BYE", "z9hG4bK-bye", "bye-1", p.conn.LocalAddr().(*net.UDPAddr))
	p.send(s.LocalAddr(), raw)
	first := p.recv().(sip.Response)
	p.send(s.LocalAddr(), raw)
	second := p.recv().(sip.Response)

	require.EqualValues(t, 200, first.StatusCode())
	require.EqualValues(t, 200, second.StatusCode())
	require.EqualValues(t, 1, calls.Load())

	// a new branch is a new transaction
	p.send(s.LocalAddr(), rawRequest("BYE", "z9hG4bK-bye2", "bye-1", p.conn.LocalAddr().(*net.UDPAddr)))
	p.recv()
	require.EqualValues(t, 2, calls.Load())
}

func TestResponseRouting(t *testing.T) {
	s := newStack(t)
	got := make(chan sip.Response, 1)
	s.OnResponse(sip.INVITE, func(res sip.Response, from *net.UDPAddr) error {
		got <- res
		return siperr.ErrNoWaiter
	})

	p := newPeer(t)
	raw := "SIP/2.0 180 Ringing\r\n" +
		"Via: SIP/2.0/UDP 127.0.0.1:5060;branch=z9hG4bK-inv\r\n" +
		"From: <sip:bot@127.0.0.1>;tag=bottag\r\n" +
		"To: <sip:peer@127.0.0.1>;tag=peertag\r\n" +
		"Call-ID: invite-1\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Length: 0\r\n\r\n"
	p.send(s.LocalAddr(), raw)

	select {
	case res := <-got:
		require.EqualValues(t, 180, res.StatusCode())
		require.Equal(t, "peertag", message.ToTag(res))
	case <-time.After(2 * time.Second):
		t.Fatal("response not routed")
	}

	// responses to methods without a handler are dropped
	p.send(s.LocalAddr(), strings.Replace(raw, "CSeq: 1 INVITE", "CSeq: 1 BYE", 1))
	p.silent(100 * time.Millisecond)
}

func TestSendAfterShutdown(t *testing.T) {
	s, err := NewSipStack(&SipStackConfig{Host: "127.0.0.1"}, logger)
	require.NoError(t, err)
	s.Listen()
	s.Shutdown()
	s.Shutdown()

	req := sip.NewRequest("", sip.OPTIONS, &sip.SipUri{FHost: "127.0.0.1"}, "SIP/2.0", nil, "", nil)
	require.ErrorIs(t, s.Send(req, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5060}), ErrStopped)
}

func TestRequestThroughTransport(t *testing.T) {
	s := newStack(t)
	p := newPeer(t)
	b := message.NewBuilder(account.NewProfile("bot", "", "127.0.0.1", 5060, "127.0.0.1", s.LocalAddr().Port), "", logger)
	d := message.Dialog{CallID: "bye-out", LocalTag: "ltag", RemoteTag: "rtag", RemoteUser: "peer"}
	bye := b.Bye(d, 7, message.NewBranch())

	got := make(chan sip.Response, 1)
	s.OnResponse(sip.BYE, func(res sip.Response, from *net.UDPAddr) error {
		got <- res
		return nil
	})
	require.NoError(t, s.Send(bye, p.conn.LocalAddr().(*net.UDPAddr)))
	require.Empty(t, bye.GetHeaders("User-Agent"))

	req, ok := p.recv().(sip.Request)
	require.True(t, ok)
	require.Equal(t, sip.BYE, req.Method())
	require.Equal(t, "bye-out", message.CallID(req))
	require.Equal(t, DefaultUserAgent, message.HeaderValue(req, "User-Agent"))
	via, ok := req.ViaHop()
	require.True(t, ok)
	require.NotNil(t, via.Port)
	require.EqualValues(t, s.LocalAddr().Port, *via.Port)

	// the answer comes back through the transport layer
	res := sip.NewResponseFromRequest("", req, 200, "OK", "")
	res.SetBody("", true)
	p.send(s.LocalAddr(), res.String())
	select {
	case r := <-got:
		require.EqualValues(t, 200, r.StatusCode())
		require.Equal(t, "bye-out", message.CallID(r))
	case <-time.After(2 * time.Second):
		t.Fatal("response not routed")
	}
}

func TestBindsConfiguredPort(t *testing.T) {
	port, err := utils.FreeUDPPort("127.0.0.1")
	require.NoError(t, err)
	s, err := NewSipStack(&SipStackConfig{Host: "127.0.0.1", Port: port}, logger)
	require.NoError(t, err)
	defer s.Shutdown()
	require.Equal(t, port, s.LocalAddr().Port)

	_, err = NewSipStack(&SipStackConfig{Host: "127.0.0.1", Port: port}, logger)
	require.Error(t, err)
}
