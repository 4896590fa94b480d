package mock

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/pkg/errors"

	"github.com/sip4k/sipbot/pkg/account"
	"github.com/sip4k/sipbot/pkg/auth"
	"github.com/sip4k/sipbot/pkg/message"
	"github.com/sip4k/sipbot/pkg/registry"
	"github.com/sip4k/sipbot/pkg/rtp"
	"github.com/sip4k/sipbot/pkg/sdp"
	"github.com/sip4k/sipbot/pkg/session"
	"github.com/sip4k/sipbot/pkg/siperr"
	"github.com/sip4k/sipbot/pkg/stack"
	"github.com/sip4k/sipbot/pkg/utils"
)

const (
	DefaultRealm   = "sipbot.test"
	DefaultTimeout = 2 * time.Second
	requestBacklog = 64
)

// ServerConfig sets how the mock PBX treats the requests it gets.
type ServerConfig struct {
	Host  string
	Realm string
	// Users maps logins to passwords. REGISTER from anyone else gets 404.
	Users map[string]string
	// RegisterStatus overrides the answer to an authenticated REGISTER.
	RegisterStatus sip.StatusCode
	// SilentRegister drops REGISTERs without any answer.
	SilentRegister bool
	// ChallengeInvites asks for digest credentials on INVITE too.
	ChallengeInvites bool
	// InviteStatus is the final answer to INVITEs, 200 when zero.
	InviteStatus sip.StatusCode
	// SilentInvites drops INVITEs without any answer.
	SilentInvites bool
	Timeout       time.Duration
	Logger        log.Logger
}

// Call is a dialog as the mock sees it.
type Call struct {
	Dialog message.Dialog
	// Local is the user on the mock side of the dialog.
	Local  string
	Remote sdp.Endpoint
	Peer   *net.UDPAddr
	cseq   uint32
}

// Server is a registrar, callee and caller in one UDP socket, enough to
// drive a client through whole calls in tests.
type Server struct {
	conf     ServerConfig
	stack    *stack.SipStack
	auth     *auth.ServerAuthorizer
	registry *registry.MemoryRegistry
	media    *rtp.UDPStream
	packets  chan rtp.Packet

	requests chan sip.Request
	slot     session.Rendezvous

	mu    sync.Mutex
	calls map[string]*Call

	log log.Logger
}

func NewServer(conf ServerConfig) (*Server, error) {
	if conf.Host == "" {
		conf.Host = "127.0.0.1"
	}
	if conf.Realm == "" {
		conf.Realm = DefaultRealm
	}
	if conf.Timeout <= 0 {
		conf.Timeout = DefaultTimeout
	}
	if conf.Logger == nil {
		conf.Logger = utils.NewLogrusLogger(log.DebugLevel, "Mock", nil)
	}
	s := &Server{
		conf:     conf,
		registry: registry.NewMemoryRegistry(),
		packets:  make(chan rtp.Packet, requestBacklog),
		requests: make(chan sip.Request, requestBacklog),
		calls:    make(map[string]*Call),
		log:      conf.Logger.WithPrefix("Mock"),
	}
	s.auth = auth.NewServerAuthorizer(s.password, conf.Realm, s.log)

	st, err := stack.NewSipStack(&stack.SipStackConfig{Host: conf.Host, UserAgent: "MockPBX"}, s.log)
	if err != nil {
		return nil, err
	}
	media, err := rtp.NewUDPStream(conf.Host, 0, s.onPacket, s.log)
	if err != nil {
		st.Shutdown()
		return nil, err
	}
	s.stack, s.media = st, media

	st.OnRequest(sip.REGISTER, s.handleRegister)
	st.OnRequest(sip.INVITE, s.handleInvite)
	st.OnRequest(sip.ACK, s.record)
	st.OnRequest(sip.BYE, s.handleBye)
	st.OnRequest(sip.OPTIONS, s.handleOptions)
	st.OnResponse(sip.INVITE, s.handleResponse)
	st.OnResponse(sip.BYE, s.handleResponse)
	st.Listen()
	go media.Read()
	return s, nil
}

// Addr is the SIP address of the mock.
func (s *Server) Addr() *net.UDPAddr {
	return s.stack.LocalAddr()
}

// MediaAddr is where the mock receives RTP.
func (s *Server) MediaAddr() *net.UDPAddr {
	return s.media.LocalAddr()
}

func (s *Server) Close() {
	s.slot.Close()
	s.stack.Shutdown()
	s.media.Close()
}

// Registered reports whether user has a live binding.
func (s *Server) Registered(user string) bool {
	return s.registry.AorIsRegistered(s.builder(user).Profile().UserURI(user))
}

// NextRequest returns the next received request of method, skipping
// others.
func (s *Server) NextRequest(method sip.RequestMethod, timeout time.Duration) (sip.Request, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case req := <-s.requests:
			if req.Method() == method {
				return req, nil
			}
		case <-timer.C:
			return nil, &siperr.SipTimeoutError{Method: string(method), Timeout: timeout}
		}
	}
}

// Call returns the dialog with Call-ID callID.
func (s *Server) Call(callID string) (*Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	return c, ok
}

// Invite calls user at addr on behalf of from, offering the mock media
// address. The returned call is acknowledged and established.
func (s *Server) Invite(ctx context.Context, from, user string, addr *net.UDPAddr) (*Call, error) {
	b := s.builder(from)
	c := &Call{
		Dialog: message.Dialog{
			CallID:     message.NewCallID(),
			LocalTag:   message.NewTag(),
			RemoteUser: user,
		},
		Local: from,
		Peer:  addr,
		cseq:  1,
	}
	offer := AudioSDP(s.conf.Host, s.MediaAddr().Port)
	branch := message.NewBranch()
	res, err := s.transact(ctx, b.Invite(c.Dialog, c.cseq, branch, offer), addr, c.cseq)
	if err != nil {
		return nil, err
	}
	c.Dialog.RemoteTag = message.ToTag(res)
	if !res.IsSuccess() {
		_ = s.stack.Send(b.Ack(c.Dialog, c.cseq, branch, nil), addr)
		return nil, errors.Wrapf(siperr.ErrCallRejected, "%d %s", res.StatusCode(), res.Reason())
	}
	if c.Remote, err = sdp.Parse(res.Body()); err != nil {
		return nil, err
	}
	if err := s.stack.Send(b.Ack(c.Dialog, c.cseq, message.NewBranch(), message.ContactURI(res)), addr); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls[c.Dialog.CallID] = c
	s.mu.Unlock()
	return c, nil
}

// Bye ends c from the mock side and waits for the 200.
func (s *Server) Bye(ctx context.Context, c *Call) error {
	s.mu.Lock()
	c.cseq++
	seq := c.cseq
	delete(s.calls, c.Dialog.CallID)
	s.mu.Unlock()
	res, err := s.transact(ctx, s.builder(c.Local).Bye(c.Dialog, seq, message.NewBranch()), c.Peer, seq)
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return errors.Errorf("BYE answered %d %s", res.StatusCode(), res.Reason())
	}
	return nil
}

// SendRTP sends p from the mock media socket to addr.
func (s *Server) SendRTP(p *rtp.Packet, addr *net.UDPAddr) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	_, err = s.media.Send(data, addr)
	return err
}

// NextPacket returns the next RTP packet received by the mock.
func (s *Server) NextPacket(timeout time.Duration) (rtp.Packet, error) {
	select {
	case p := <-s.packets:
		return p, nil
	case <-time.After(timeout):
		return rtp.Packet{}, &siperr.SipTimeoutError{Method: "RTP", Timeout: timeout}
	}
}

func (s *Server) transact(ctx context.Context, req sip.Request, addr *net.UDPAddr, seq uint32) (sip.Response, error) {
	w, err := s.slot.Arm()
	if err != nil {
		return nil, err
	}
	defer w.Release()
	if err := s.stack.Send(req, addr); err != nil {
		return nil, err
	}
	return w.Wait(ctx, s.conf.Timeout, req.Method(), seq)
}

// builder speaks for user, one of the parties behind the mock.
func (s *Server) builder(user string) *message.Builder {
	addr := s.Addr()
	return message.NewBuilder(account.NewProfile(user, "", s.conf.Host, addr.Port, addr.IP.String(), addr.Port), "MockPBX", s.log)
}

func (s *Server) password(user string) (string, error) {
	pw, ok := s.conf.Users[user]
	if !ok {
		return "", errors.Errorf("unknown user %s", user)
	}
	return pw, nil
}

func (s *Server) record(req sip.Request, from *net.UDPAddr) {
	select {
	case s.requests <- req:
	default:
		s.log.Warnf("request backlog full, drop %s", req.Short())
	}
}

func (s *Server) onPacket(data []byte, raddr *net.UDPAddr) {
	var p rtp.Packet
	if err := p.Unmarshal(data); err != nil {
		s.log.Warnf("bad rtp from %v: %v", raddr, err)
		return
	}
	p.Payload = append([]byte(nil), p.Payload...)
	select {
	case s.packets <- p:
	default:
	}
}

func (s *Server) respond(req sip.Request, res sip.Response) {
	if err := s.stack.Respond(req, res); err != nil {
		s.log.Errorf("respond %s failed: %v", res.Short(), err)
	}
}

func (s *Server) handleRegister(req sip.Request, from *net.UDPAddr) {
	s.record(req, from)
	if s.conf.SilentRegister {
		return
	}
	user, challenge := s.auth.Authenticate(req)
	if challenge != nil {
		s.respond(req, challenge)
		return
	}
	b := s.builder(user)
	if s.conf.RegisterStatus != 0 {
		s.respond(req, b.Response(req, s.conf.RegisterStatus, session.Reason(s.conf.RegisterStatus)))
		return
	}
	instance := registry.NewContactInstanceForRequest(req)
	if to, ok := req.To(); ok {
		_ = s.registry.AddAor(to.Address, instance)
	}
	res := b.Response(req, 200, "OK")
	expires := sip.Expires(instance.RegExpires)
	res.AppendHeader(&expires)
	if instance.Contact != nil {
		res.AppendHeader(instance.Contact)
	}
	s.respond(req, res)
}

func (s *Server) handleInvite(req sip.Request, from *net.UDPAddr) {
	s.record(req, from)
	if s.conf.SilentInvites {
		return
	}
	if s.conf.ChallengeInvites {
		if _, challenge := s.auth.Authenticate(req); challenge != nil {
			s.respond(req, challenge)
			return
		}
	}
	callee := message.ToUser(req)
	b := s.builder(callee)
	if code := s.conf.InviteStatus; code >= 300 {
		s.respond(req, b.Response(req, code, session.Reason(code)))
		return
	}
	remote, err := sdp.Parse(req.Body())
	if err != nil {
		s.respond(req, b.Response(req, 488, session.Reason(488)))
		return
	}
	c := &Call{
		Dialog: message.Dialog{
			CallID:     message.CallID(req),
			LocalTag:   message.NewTag(),
			RemoteTag:  message.FromTag(req),
			RemoteUser: message.FromUser(req),
		},
		Local:  callee,
		Remote: remote,
		Peer:   from,
	}
	s.mu.Lock()
	s.calls[c.Dialog.CallID] = c
	s.mu.Unlock()

	s.respond(req, b.Ringing(req, c.Dialog.LocalTag))
	s.respond(req, b.Answer(req, c.Dialog.LocalTag, AudioSDP(s.conf.Host, s.MediaAddr().Port)))
}

func (s *Server) handleBye(req sip.Request, from *net.UDPAddr) {
	s.record(req, from)
	s.mu.Lock()
	delete(s.calls, message.CallID(req))
	s.mu.Unlock()
	s.respond(req, s.builder(message.ToUser(req)).Response(req, 200, "OK"))
}

func (s *Server) handleOptions(req sip.Request, from *net.UDPAddr) {
	s.record(req, from)
	s.respond(req, s.builder(message.ToUser(req)).OptionsResponse(req))
}

func (s *Server) handleResponse(res sip.Response, from *net.UDPAddr) error {
	return s.slot.Deliver(res)
}
