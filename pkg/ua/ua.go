package ua

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/pkg/errors"

	"github.com/sip4k/sipbot/pkg/account"
	"github.com/sip4k/sipbot/pkg/config"
	"github.com/sip4k/sipbot/pkg/message"
	"github.com/sip4k/sipbot/pkg/metrics"
	"github.com/sip4k/sipbot/pkg/registry"
	"github.com/sip4k/sipbot/pkg/rtp"
	"github.com/sip4k/sipbot/pkg/session"
	"github.com/sip4k/sipbot/pkg/siperr"
	"github.com/sip4k/sipbot/pkg/stack"
	"github.com/sip4k/sipbot/pkg/utils"
)

const closeTimeout = 5 * time.Second

// AudioHandler receives the decoded audio of the call with user.
type AudioHandler func(user string, pcm []byte, isSilence, endOfPhrase bool)

// SessionEndHandler is told when the call with user is over.
type SessionEndHandler func(user string)

// InviteHandler decides on an inbound call. Returning false answers 486.
type InviteHandler func(s *session.Session) bool

type Option func(c *Client)

func WithLogger(logger log.Logger) Option {
	return func(c *Client) { c.log = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithAudioHandler(h AudioHandler) Option {
	return func(c *Client) { c.audioHandler = h }
}

func WithSessionEndHandler(h SessionEndHandler) Option {
	return func(c *Client) { c.sessionEndHandler = h }
}

func WithInviteHandler(h InviteHandler) Option {
	return func(c *Client) { c.inviteHandler = h }
}

func WithRegisterStateHandler(h account.RegisterHandler) Option {
	return func(c *Client) { c.registerStateHandler = h }
}

// Client is a SIP phone without a human: it registers, places and answers
// calls and moves PCM audio in and out of them.
type Client struct {
	conf     *config.Config
	profile  *account.Profile
	builder  *message.Builder
	stack    *stack.SipStack
	server   *net.UDPAddr
	ports    *rtp.PortPool
	sessions registry.SessionDirectory[*session.Session]

	regMu        sync.Mutex
	registration *RegistrationManager

	audioHandler         AudioHandler
	sessionEndHandler    SessionEndHandler
	inviteHandler        InviteHandler
	registerStateHandler account.RegisterHandler

	closed  core.Fuse
	metrics *metrics.Metrics
	log     log.Logger
}

// NewClient binds the SIP socket and starts serving it. The registrar is
// resolved once, here.
func NewClient(conf *config.Config, opts ...Option) (*Client, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if err := conf.ResolveLocalHost(); err != nil {
		return nil, err
	}
	c := &Client{
		conf:     conf,
		ports:    rtp.NewPortPool(conf.RTPPortLow, conf.RTPPortHigh),
		sessions: registry.NewMemoryDirectory[*session.Session](),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = utils.NewLogrusLogger(conf.Level(), "Client", nil)
	}
	c.log = c.log.WithPrefix("Client")

	st, err := stack.NewSipStack(&stack.SipStackConfig{
		Host:       conf.LocalHost,
		Port:       conf.LocalPort,
		Dns:        conf.DNS,
		UserAgent:  conf.UserAgent,
		Extensions: message.InviteExtensions,
		Metrics:    c.metrics,
	}, c.log)
	if err != nil {
		return nil, err
	}
	c.stack = st

	ctx, cancel := context.WithTimeout(context.Background(), conf.SipTimeout)
	defer cancel()
	if c.server, err = st.ResolveAddr(ctx, conf.ServerHost, conf.ServerPort); err != nil {
		st.Shutdown()
		return nil, errors.Wrapf(err, "resolve %s", conf.ServerHost)
	}

	c.profile = account.NewProfile(conf.Login, conf.Password, conf.ServerHost, conf.ServerPort, conf.LocalHost, st.LocalAddr().Port)
	c.profile.DisplayName = conf.DisplayName
	c.builder = message.NewBuilder(c.profile, conf.UserAgent, c.log)

	st.OnRequest(sip.INVITE, c.handleInvite)
	st.OnRequest(sip.ACK, c.handleAck)
	st.OnRequest(sip.BYE, c.handleBye)
	st.OnRequest(sip.OPTIONS, c.handleOptions)
	st.OnResponse(sip.REGISTER, c.handleRegisterResponse)
	st.OnResponse(sip.INVITE, c.handleSessionResponse)
	st.OnResponse(sip.BYE, c.handleSessionResponse)
	st.Listen()

	c.log.Infof("sip client %s listening on %v, registrar %v", c.profile.Login, st.LocalAddr(), c.server)
	return c, nil
}

func (c *Client) Log() log.Logger {
	return c.log
}

func (c *Client) Profile() *account.Profile {
	return c.profile
}

// LocalAddr is the bound SIP address.
func (c *Client) LocalAddr() *net.UDPAddr {
	return c.stack.LocalAddr()
}

// Ports is the RTP port pool of the client.
func (c *Client) Ports() *rtp.PortPool {
	return c.ports
}

// Register registers with the server and keeps the binding refreshed.
func (c *Client) Register(ctx context.Context) (account.RegisterState, error) {
	if c.closed.IsBroken() {
		return account.RegisterState{}, siperr.ErrClientClosed
	}
	c.regMu.Lock()
	if c.registration == nil {
		c.registration = NewRegistrationManager(RegisterConfig{
			Builder:   c.builder,
			Transport: c.stack,
			Server:    c.server,
			Timeout:   c.conf.SipTimeout,
			Interval:  c.conf.RegisterInterval,
			Expires:   c.conf.RegisterExpires,
			Handler:   c.registerStateHandler,
			Metrics:   c.metrics,
			Logger:    c.log,
		})
	}
	r := c.registration
	c.regMu.Unlock()
	return r.Start(ctx)
}

// Registration is the current registration manager, nil before Register.
func (c *Client) Registration() *RegistrationManager {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return c.registration
}

// Unregister stops refreshing and removes the binding.
func (c *Client) Unregister(ctx context.Context) error {
	c.regMu.Lock()
	r := c.registration
	c.registration = nil
	c.regMu.Unlock()
	if r == nil {
		return siperr.ErrNotRegistered
	}
	return r.Stop(ctx)
}

// Call places a call to user. On failure the returned session carries the
// result and is already cleaned up.
func (c *Client) Call(ctx context.Context, user string) (*session.Session, error) {
	if c.closed.IsBroken() {
		return nil, siperr.ErrClientClosed
	}
	s := session.NewOutgoing(c.sessionConfig(user))
	if _, loaded := c.sessions.LoadOrStore(s.Key(), s); loaded {
		return nil, errors.Errorf("already in a call with %s", s.Key())
	}
	if _, err := s.Start(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Session returns the call with user.
func (c *Client) Session(user string) (*session.Session, error) {
	key := c.profile.SessionKey(user)
	s, ok := c.sessions.Load(key)
	if !ok {
		return nil, &siperr.SessionNotFoundError{User: key}
	}
	return s, nil
}

// Sessions returns the active calls.
func (c *Client) Sessions() []*session.Session {
	var out []*session.Session
	c.sessions.Range(func(_ string, s *session.Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

// SendAudio queues 16-bit big-endian PCM on the call with user.
func (c *Client) SendAudio(ctx context.Context, user string, pcm []byte) error {
	s, err := c.Session(user)
	if err != nil {
		return err
	}
	return s.SendAudio(ctx, pcm)
}

// EndSession hangs up the call with user.
func (c *Client) EndSession(ctx context.Context, user string) error {
	s, err := c.Session(user)
	if err != nil {
		return err
	}
	return s.Hangup(ctx)
}

// ResetSilence restarts voice detection on the call with user.
func (c *Client) ResetSilence(user string) error {
	s, err := c.Session(user)
	if err != nil {
		return err
	}
	s.ResetSilence()
	return nil
}

// Close hangs up every call, unregisters and stops the SIP socket. It
// returns once every goroutine of the client is gone.
func (c *Client) Close() {
	c.closed.Once(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		var wg sync.WaitGroup
		for _, s := range c.Sessions() {
			wg.Add(1)
			go func(s *session.Session) {
				defer wg.Done()
				if err := s.Hangup(ctx); err != nil {
					c.log.Warnf("hangup %s: %v", s.Key(), err)
				}
				s.Wait()
			}(s)
		}
		wg.Wait()

		if err := c.Unregister(ctx); err != nil && !errors.Is(err, siperr.ErrNotRegistered) {
			c.log.Warnf("unregister: %v", err)
		}
		c.stack.Shutdown()
		c.log.Infof("sip client %s closed", c.profile.Login)
	})
}

func (c *Client) sessionConfig(user string) session.Config {
	return session.Config{
		RemoteUser:    user,
		Key:           c.profile.SessionKey(user),
		Builder:       c.builder,
		Transport:     c.stack,
		Server:        c.server,
		Ports:         c.ports,
		Timeout:       c.conf.SipTimeout,
		FrameInterval: c.conf.FrameInterval,
		PhraseDelay:   c.conf.PhraseDelay,
		Metrics:       c.metrics,
		Logger:        c.log,
		OnFrame:       c.onFrame,
		OnDetach:      c.onSessionDetach,
		OnEnd:         c.onSessionEnd,
	}
}

func (c *Client) onFrame(s *session.Session, f rtp.Frame) {
	if c.audioHandler != nil {
		c.audioHandler(s.RemoteUser(), f.PCM, f.Silence, f.EndOfPhrase)
	}
}

func (c *Client) onSessionDetach(s *session.Session) {
	c.sessions.Remove(s.Key(), s)
}

func (c *Client) onSessionEnd(s *session.Session) {
	c.log.Debugf("session %s ended, %s", s.Key(), s.State())
	if c.sessionEndHandler != nil {
		c.sessionEndHandler(s.RemoteUser())
	}
}

// lookup finds the session of a dialog by remote user and Call-ID.
func (c *Client) lookup(user, callID string) (*session.Session, bool) {
	s, ok := c.sessions.Load(c.profile.SessionKey(user))
	if !ok || s.CallID() != callID {
		return nil, false
	}
	return s, true
}

func (c *Client) handleInvite(req sip.Request, from *net.UDPAddr) {
	logger := c.log.WithFields(req.Fields())
	user := message.FromUser(req)
	callID := message.CallID(req)

	if s, ok := c.lookup(user, callID); ok {
		if !s.Retransmit(from) {
			logger.Debugf("INVITE for %s still in setup", s.Key())
		}
		return
	}
	if c.closed.IsBroken() {
		c.respond(req, 503)
		return
	}

	conf := c.sessionConfig(user)
	s := session.NewIncoming(conf, req)
	if _, loaded := c.sessions.LoadOrStore(s.Key(), s); loaded {
		logger.Infof("already in a call with %s, busy", s.Key())
		c.respond(req, 486)
		return
	}
	if c.inviteHandler != nil && !c.inviteHandler(s) {
		s.Reject(req, 486)
		return
	}
	if _, err := s.Accept(req); err != nil {
		logger.Warnf("inbound call from %s failed: %v", user, err)
	}
}

func (c *Client) handleAck(req sip.Request, from *net.UDPAddr) {
	if s, ok := c.lookup(message.FromUser(req), message.CallID(req)); ok {
		s.HandleAck(req)
		return
	}
	c.log.Debugf("ACK for unknown dialog %s", message.CallID(req))
}

func (c *Client) handleBye(req sip.Request, from *net.UDPAddr) {
	if s, ok := c.lookup(message.FromUser(req), message.CallID(req)); ok {
		s.HandleBye(req)
		return
	}
	c.log.Infof("BYE for unknown dialog %s, answer 200", message.CallID(req))
	c.respond(req, 200)
}

func (c *Client) handleOptions(req sip.Request, from *net.UDPAddr) {
	if err := c.stack.Respond(req, c.builder.OptionsResponse(req)); err != nil {
		c.log.Errorf("respond OPTIONS failed: %v", err)
	}
}

func (c *Client) handleRegisterResponse(res sip.Response, from *net.UDPAddr) error {
	r := c.Registration()
	if r == nil {
		return siperr.ErrNoWaiter
	}
	return r.HandleResponse(res)
}

func (c *Client) handleSessionResponse(res sip.Response, from *net.UDPAddr) error {
	s, ok := c.lookup(message.ToUser(res), message.CallID(res))
	if !ok {
		return siperr.ErrNoWaiter
	}
	return s.HandleResponse(res)
}

func (c *Client) respond(req sip.Request, code sip.StatusCode) {
	if err := c.stack.Respond(req, c.builder.Response(req, code, session.Reason(code))); err != nil {
		c.log.Errorf("respond %d failed: %v", code, err)
	}
}
