package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/pkg/errors"
	"github.com/qmuntal/stateless"
	"github.com/tevino/abool"

	"github.com/sip4k/sipbot/pkg/auth"
	"github.com/sip4k/sipbot/pkg/message"
	"github.com/sip4k/sipbot/pkg/metrics"
	"github.com/sip4k/sipbot/pkg/rtp"
	"github.com/sip4k/sipbot/pkg/sdp"
	"github.com/sip4k/sipbot/pkg/siperr"
)

const DefaultTimeout = 60 * time.Second

// Transport is the part of the SIP stack a session sends through.
type Transport interface {
	Send(msg sip.Message, addr *net.UDPAddr) error
	Respond(req sip.Request, res sip.Response) error
}

// Config wires a session to its client.
type Config struct {
	Direction Direction
	// RemoteUser is the callee of an outgoing call. Incoming sessions take
	// it from the INVITE.
	RemoteUser string
	// Key is the directory key, user@serverHost.
	Key       string
	Builder   *message.Builder
	Transport Transport
	// Server receives every request of the dialog.
	Server  *net.UDPAddr
	Ports   *rtp.PortPool
	Timeout time.Duration

	FrameInterval time.Duration
	PhraseDelay   time.Duration

	Metrics *metrics.Metrics
	Logger  log.Logger

	// OnFrame observes every decoded inbound frame.
	OnFrame func(s *Session, f rtp.Frame)
	// OnDetach runs once at teardown while the port is still leased. The
	// session must be unreachable when it returns.
	OnDetach func(s *Session)
	// OnEnd runs once when the session is over and its port is free.
	OnEnd func(s *Session)
}

// Session is one call leg: the dialog, its state machine and the media
// channel it owns.
type Session struct {
	cfg Config

	mu         sync.Mutex
	dialog     message.Dialog
	cseq       uint32
	port       int
	channel    *rtp.MediaChannel
	remote     sdp.Endpoint
	result     CallResult
	lastAck    sip.Request
	answer     sip.Response
	answeredAt time.Time

	fsmMu sync.Mutex
	fsm   *stateless.StateMachine

	invite Rendezvous
	bye    Rendezvous

	closed       core.Fuse
	endOnce      sync.Once
	hungUp       *abool.AtomicBool
	byeReceived  *abool.AtomicBool
	portLeased   *abool.AtomicBool
	portReleased *abool.AtomicBool

	authorizer  *auth.ClientAuthorizer
	onAudio     atomic.Pointer[AudioHandler]
	onPhraseEnd atomic.Pointer[func()]

	log log.Logger
}

// NewOutgoing prepares a call to cfg.RemoteUser. Nothing is sent before
// Start.
func NewOutgoing(cfg Config) *Session {
	cfg.Direction = Outgoing
	return newSession(cfg, message.Dialog{
		CallID:     message.NewCallID(),
		LocalTag:   message.NewTag(),
		RemoteUser: cfg.RemoteUser,
	})
}

// NewIncoming wraps the dialog offered by an INVITE. Nothing is answered
// before Accept or Reject.
func NewIncoming(cfg Config, invite sip.Request) *Session {
	cfg.Direction = Incoming
	cfg.RemoteUser = message.FromUser(invite)
	return newSession(cfg, message.Dialog{
		CallID:     message.CallID(invite),
		LocalTag:   message.NewTag(),
		RemoteTag:  message.FromTag(invite),
		RemoteUser: cfg.RemoteUser,
	})
}

func newSession(cfg Config, d message.Dialog) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	profile := cfg.Builder.Profile()
	s := &Session{
		cfg:          cfg,
		dialog:       d,
		hungUp:       abool.New(),
		byeReceived:  abool.New(),
		portLeased:   abool.New(),
		portReleased: abool.New(),
		authorizer:   auth.NewClientAuthorizer(profile.Login, profile.Password, profile.ServerHost),
	}
	s.log = cfg.Logger.WithPrefix("Session").WithFields(log.Fields{
		"call_id":   d.CallID,
		"user":      d.RemoteUser,
		"direction": string(cfg.Direction),
	})
	s.fsm = s.newStateMachine()
	return s
}

func (s *Session) newStateMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(Idle)
	sm.Configure(Idle).
		Permit(triggerInvite, InviteSent).
		Permit(triggerAccept, Active).
		Permit(triggerFail, Failed)
	sm.Configure(InviteSent).
		Permit(triggerChallenge, Authenticating).
		Permit(triggerAnswer, Active).
		Permit(triggerFail, Failed)
	sm.Configure(Authenticating).
		Permit(triggerAnswer, Active).
		Permit(triggerFail, Failed)
	sm.Configure(Active).
		Permit(triggerHangup, ByeSent).
		Permit(triggerEnd, Terminated)
	sm.Configure(ByeSent).
		Permit(triggerEnd, Terminated)
	sm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		s.log.Debugf("%v -> %v on %v", t.Source, t.Destination, t.Trigger)
		dir := s.metricsDir()
		switch t.Destination {
		case Active:
			s.cfg.Metrics.CallStarted(dir)
		case Failed:
			s.cfg.Metrics.CallFailed(dir)
		case Terminated:
			s.mu.Lock()
			answeredAt := s.answeredAt
			s.mu.Unlock()
			s.cfg.Metrics.CallEnded(dir, time.Since(answeredAt))
		}
	})
	return sm
}

func (s *Session) fire(t trigger) error {
	s.fsmMu.Lock()
	defer s.fsmMu.Unlock()
	return s.fsm.Fire(t)
}

func (s *Session) metricsDir() string {
	if s.cfg.Direction == Incoming {
		return metrics.DirIn
	}
	return metrics.DirOut
}

func (s *Session) Log() log.Logger {
	return s.log
}

func (s *Session) String() string {
	return fmt.Sprintf("%s call %s with %s", s.cfg.Direction, s.CallID(), s.cfg.Key)
}

func (s *Session) Key() string {
	return s.cfg.Key
}

func (s *Session) RemoteUser() string {
	return s.cfg.RemoteUser
}

func (s *Session) Direction() Direction {
	return s.cfg.Direction
}

func (s *Session) CallID() string {
	return s.dialog.CallID
}

// Dialog returns a copy of the dialog identity.
func (s *Session) Dialog() message.Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialog
}

// State is the current state of the call.
func (s *Session) State() Status {
	s.fsmMu.Lock()
	defer s.fsmMu.Unlock()
	return s.fsm.MustState().(Status)
}

// Result is the outcome of call setup.
func (s *Session) Result() CallResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// RemoteEndpoint is the media address from the peer's SDP.
func (s *Session) RemoteEndpoint() sdp.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// LocalPort is the leased RTP port, zero before the lease.
func (s *Session) LocalPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Channel is the media channel of an active call.
func (s *Session) Channel() *rtp.MediaChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Done is closed when the session is over.
func (s *Session) Done() <-chan struct{} {
	return s.closed.Watch()
}

// ByeReceived reports whether the peer ended the call.
func (s *Session) ByeReceived() bool {
	return s.byeReceived.IsSet()
}

// OnAudio sets the handler of decoded inbound audio.
func (s *Session) OnAudio(h AudioHandler) {
	if h == nil {
		s.onAudio.Store(nil)
		return
	}
	s.onAudio.Store(&h)
}

// OnPhraseEnd sets the handler called once the peer has been quiet for the
// phrase delay.
func (s *Session) OnPhraseEnd(h func()) {
	if h == nil {
		s.onPhraseEnd.Store(nil)
		return
	}
	s.onPhraseEnd.Store(&h)
}

// SendAudio queues 16-bit big-endian PCM for the peer. It blocks while the
// outbound queue is full.
func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	ch := s.Channel()
	if ch == nil {
		return siperr.ErrChannelClosed
	}
	return ch.SendPCM(ctx, pcm)
}

// ResetSilence restarts voice detection on the inbound audio.
func (s *Session) ResetSilence() {
	if ch := s.Channel(); ch != nil {
		ch.ResetSilence()
	}
}

// Start places the call: INVITE, an optional digest retry, ACK and media
// setup. Any failure releases the port and ends the session before Start
// returns.
func (s *Session) Start(ctx context.Context) (CallResult, error) {
	if s.cfg.Direction != Outgoing {
		return CallResult{}, errors.New("start: session is not outgoing")
	}
	port, err := s.leasePort()
	if err != nil {
		return s.abort(CallResult{}, err)
	}
	offer, err := sdp.Build(sdpSessionID(), s.localHost(), port)
	if err != nil {
		return s.abort(CallResult{}, errors.Wrap(err, "build sdp offer"))
	}

	w, err := s.invite.Arm()
	if err != nil {
		return s.abort(CallResult{}, err)
	}
	defer w.Release()

	if err := s.fire(triggerInvite); err != nil {
		return s.abort(CallResult{}, err)
	}
	seq, branch := s.nextCSeq(), message.NewBranch()
	res, err := s.transact(ctx, w, s.cfg.Builder.Invite(s.Dialog(), seq, branch, offer), seq)
	if err != nil {
		return s.abort(CallResult{}, err)
	}
	s.ack(res, seq, branch)

	if res.StatusCode() == 401 {
		s.log.Infof("INVITE challenged, retry with credentials")
		if err := s.fire(triggerChallenge); err != nil {
			return s.abort(resultOf(res), err)
		}
		seq, branch = s.nextCSeq(), message.NewBranch()
		req := s.cfg.Builder.Invite(s.Dialog(), seq, branch, offer)
		if err := s.authorizer.AuthorizeRequest(req, res); err != nil {
			return s.abort(resultOf(res), err)
		}
		if res, err = s.transact(ctx, w, req, seq); err != nil {
			return s.abort(CallResult{}, err)
		}
		s.ack(res, seq, branch)
		if res.StatusCode() == 401 {
			return s.abort(resultOf(res), &siperr.AuthenticationError{Method: string(sip.INVITE), Reason: "credentials rejected"})
		}
	}

	result := resultOf(res)
	if !result.Success() {
		return s.abort(result, errors.Wrapf(siperr.ErrCallRejected, "%d %s", res.StatusCode(), res.Reason()))
	}
	remote, err := sdp.Parse(res.Body())
	if err != nil {
		s.sendBye()
		return s.abort(result, err)
	}
	if err := s.startMedia(port, remote); err != nil {
		s.sendBye()
		return s.abort(result, err)
	}
	if err := s.fire(triggerAnswer); err != nil {
		return s.abort(result, err)
	}
	s.setResult(result)
	s.log.Infof("call answered, media %v <-> %v", port, remote)
	return result, nil
}

// Accept answers the INVITE the session was created from: 180, then 200
// with the SDP answer once media is up. A bad offer is answered 488.
func (s *Session) Accept(invite sip.Request) (CallResult, error) {
	if s.cfg.Direction != Incoming {
		return CallResult{}, errors.New("accept: session is not incoming")
	}
	port, err := s.leasePort()
	if err != nil {
		return s.refuse(invite, 503, err)
	}
	s.respond(invite, s.cfg.Builder.Ringing(invite, s.dialog.LocalTag))

	remote, err := sdp.Parse(invite.Body())
	if err != nil {
		return s.refuse(invite, 488, err)
	}
	answer, err := sdp.Build(sdpSessionID(), s.localHost(), port)
	if err != nil {
		return s.refuse(invite, 500, errors.Wrap(err, "build sdp answer"))
	}
	if err := s.startMedia(port, remote); err != nil {
		return s.refuse(invite, 500, err)
	}
	if err := s.fire(triggerAccept); err != nil {
		return s.refuse(invite, 487, err)
	}

	res := s.cfg.Builder.Answer(invite, s.dialog.LocalTag, answer)
	s.mu.Lock()
	s.answer = res
	s.mu.Unlock()
	s.respond(invite, res)

	result := CallResult{StatusCode: 200, Reason: "OK"}
	s.setResult(result)
	s.log.Infof("call accepted, media %v <-> %v", port, remote)
	return result, nil
}

// Reject declines the INVITE with code and ends the session.
func (s *Session) Reject(invite sip.Request, code sip.StatusCode) (CallResult, error) {
	return s.refuse(invite, code, errors.Wrapf(siperr.ErrCallRejected, "%d %s", code, Reason(code)))
}

func (s *Session) refuse(invite sip.Request, code sip.StatusCode, err error) (CallResult, error) {
	s.respond(invite, s.cfg.Builder.Response(invite, code, Reason(code)))
	return s.abort(CallResult{StatusCode: code, Reason: Reason(code)}, err)
}

// Retransmit resends the 200 of an accepted INVITE to addr. It reports
// whether there was one.
func (s *Session) Retransmit(addr *net.UDPAddr) bool {
	s.mu.Lock()
	res := s.answer
	s.mu.Unlock()
	if res == nil {
		return false
	}
	if err := s.cfg.Transport.Send(res, addr); err != nil {
		s.log.Warnf("resend 200 failed: %v", err)
	}
	return true
}

// HandleAck takes the peer's ACK of the 200.
func (s *Session) HandleAck(req sip.Request) {
	s.log.Debugf("ACK received, state %s", s.State())
}

// HandleBye ends the call on the peer's BYE. No BYE is sent back.
func (s *Session) HandleBye(req sip.Request) {
	s.byeReceived.Set()
	s.closeMedia()
	s.respond(req, s.cfg.Builder.Response(req, 200, "OK"))
	s.log.Infof("call ended by peer")
	s.finish()
}

// HandleResponse routes a response of this dialog to its waiter. A
// retransmitted 200 of an answered INVITE is acknowledged again.
func (s *Session) HandleResponse(res sip.Response) error {
	_, method := message.CSeq(res)
	switch method {
	case sip.INVITE:
		err := s.invite.Deliver(res)
		if errors.Is(err, siperr.ErrNoWaiter) && res.IsSuccess() {
			s.mu.Lock()
			ack := s.lastAck
			s.mu.Unlock()
			if ack != nil {
				s.log.Debugf("retransmitted %s, resend ACK", res.Short())
				if err := s.cfg.Transport.Send(ack, s.cfg.Server); err != nil {
					s.log.Warnf("resend ACK failed: %v", err)
				}
				return nil
			}
		}
		return err
	case sip.BYE:
		return s.bye.Deliver(res)
	}
	return siperr.ErrNoWaiter
}

// Hangup ends the call. An active call sends BYE and waits for its answer;
// the port and the directory entry are released whatever the answer.
// Calling it again, or after the peer's BYE, only does local cleanup.
func (s *Session) Hangup(ctx context.Context) error {
	if !s.hungUp.SetToIf(false, true) {
		return nil
	}
	if s.byeReceived.IsSet() || s.State() != Active {
		s.finish()
		return nil
	}
	if err := s.fire(triggerHangup); err != nil {
		s.finish()
		return nil
	}
	s.closeMedia()
	err := s.byeAndWait(ctx)
	if errors.Is(err, siperr.ErrSlotClosed) && s.byeReceived.IsSet() {
		err = nil
	}
	s.finish()
	return err
}

// Wait blocks until the media goroutines are gone. Must not be called from
// an audio handler.
func (s *Session) Wait() {
	if ch := s.Channel(); ch != nil {
		ch.Wait()
	}
}

func (s *Session) byeAndWait(ctx context.Context) error {
	w, err := s.bye.Arm()
	if err != nil {
		return err
	}
	defer w.Release()
	seq, branch := s.nextCSeq(), message.NewBranch()
	if err := s.cfg.Transport.Send(s.cfg.Builder.Bye(s.Dialog(), seq, branch), s.cfg.Server); err != nil {
		return err
	}
	res, err := w.Wait(ctx, s.cfg.Timeout, sip.BYE, seq)
	if err != nil {
		s.log.Warnf("BYE not answered: %v", err)
		return err
	}
	if !res.IsSuccess() {
		return errors.Errorf("BYE answered %d %s", res.StatusCode(), res.Reason())
	}
	return nil
}

// sendBye ends a dialog that can not be used, without waiting.
func (s *Session) sendBye() {
	req := s.cfg.Builder.Bye(s.Dialog(), s.nextCSeq(), message.NewBranch())
	if err := s.cfg.Transport.Send(req, s.cfg.Server); err != nil {
		s.log.Warnf("send BYE failed: %v", err)
	}
}

func (s *Session) transact(ctx context.Context, w *Waiter, req sip.Request, seq uint32) (sip.Response, error) {
	if err := s.cfg.Transport.Send(req, s.cfg.Server); err != nil {
		return nil, err
	}
	res, err := w.Wait(ctx, s.cfg.Timeout, req.Method(), seq)
	if err != nil {
		return nil, err
	}
	s.log.Debugf("%s answered %d %s", req.Method(), res.StatusCode(), res.Reason())
	return res, nil
}

// ack acknowledges a final INVITE response. Non-2xx reuse the INVITE
// branch, a 2xx opens the dialog and gets its own transaction.
func (s *Session) ack(res sip.Response, seq uint32, branch string) {
	d := s.Dialog()
	d.RemoteTag = message.ToTag(res)
	var target sip.Uri
	if res.IsSuccess() {
		branch = message.NewBranch()
		target = message.ContactURI(res)
	}
	req := s.cfg.Builder.Ack(d, seq, branch, target)
	if res.IsSuccess() {
		s.mu.Lock()
		s.dialog.RemoteTag = d.RemoteTag
		s.mu.Unlock()
	}
	if err := s.cfg.Transport.Send(req, s.cfg.Server); err != nil {
		s.log.Warnf("send ACK failed: %v", err)
	}
	if res.IsSuccess() {
		s.mu.Lock()
		s.lastAck = req
		s.mu.Unlock()
	}
}

func (s *Session) respond(req sip.Request, res sip.Response) {
	if err := s.cfg.Transport.Respond(req, res); err != nil {
		s.log.Errorf("respond '%d %s' failed: %v", res.StatusCode(), res.Reason(), err)
	}
}

func (s *Session) startMedia(port int, remote sdp.Endpoint) error {
	raddr, err := remote.UDPAddr()
	if err != nil {
		return &siperr.MalformedSdpError{Reason: err.Error()}
	}
	ch, err := rtp.NewMediaChannel(rtp.ChannelConfig{
		Host:          s.localHost(),
		Port:          port,
		Remote:        raddr,
		FrameInterval: s.cfg.FrameInterval,
		PhraseDelay:   s.cfg.PhraseDelay,
		Logger:        s.log,
		Metrics:       s.cfg.Metrics,
	})
	if err != nil {
		return errors.Wrapf(err, "start media on %d", port)
	}
	ch.OnFrame(s.onFrame)

	s.mu.Lock()
	if s.closed.IsBroken() {
		s.mu.Unlock()
		ch.Close()
		return siperr.ErrSlotClosed
	}
	s.channel = ch
	s.remote = remote
	s.answeredAt = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Session) onFrame(f rtp.Frame) {
	if h := s.cfg.OnFrame; h != nil {
		h(s, f)
	}
	if h := s.onAudio.Load(); h != nil {
		(*h)(f.PCM, f.Silence)
	}
	if f.EndOfPhrase {
		if h := s.onPhraseEnd.Load(); h != nil {
			(*h)()
		}
	}
}

func (s *Session) closeMedia() {
	if ch := s.Channel(); ch != nil {
		ch.Close()
	}
}

func (s *Session) leasePort() (int, error) {
	port, err := s.cfg.Ports.Lease()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	s.portLeased.Set()
	s.cfg.Metrics.PortLeased()
	return port, nil
}

func (s *Session) releasePort() {
	if !s.portLeased.IsSet() || !s.portReleased.SetToIf(false, true) {
		return
	}
	port := s.LocalPort()
	if s.cfg.Ports.Release(port) {
		s.cfg.Metrics.PortReleased()
	}
	s.log.Debugf("rtp port %d released", port)
}

func (s *Session) abort(result CallResult, err error) (CallResult, error) {
	s.setResult(result)
	s.log.Warnf("call setup failed: %v", err)
	s.finish()
	return result, err
}

// finish runs the teardown exactly once: OnDetach, waiters unblocked,
// media closed, port returned, state settled, then OnEnd.
func (s *Session) finish() {
	s.endOnce.Do(func() {
		if s.cfg.OnDetach != nil {
			s.cfg.OnDetach(s)
		}

		s.mu.Lock()
		s.closed.Break()
		ch := s.channel
		s.mu.Unlock()

		s.invite.Close()
		s.bye.Close()
		if ch != nil {
			ch.Close()
		}
		s.releasePort()

		switch s.State() {
		case Active, ByeSent:
			_ = s.fire(triggerEnd)
		case Idle, InviteSent, Authenticating:
			_ = s.fire(triggerFail)
		}
		if s.cfg.OnEnd != nil {
			s.cfg.OnEnd(s)
		}
	})
}

func (s *Session) setResult(r CallResult) {
	s.mu.Lock()
	s.result = r
	s.mu.Unlock()
}

func (s *Session) nextCSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cseq++
	return s.cseq
}

func (s *Session) localHost() string {
	return s.cfg.Builder.Profile().LocalHost
}

func resultOf(res sip.Response) CallResult {
	return CallResult{StatusCode: res.StatusCode(), Reason: res.Reason()}
}

func sdpSessionID() uint64 {
	return uint64(time.Now().UnixMilli())
}
