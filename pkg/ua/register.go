package ua

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/pkg/errors"
	"github.com/qmuntal/stateless"
	"github.com/tevino/abool"

	"github.com/sip4k/sipbot/pkg/account"
	"github.com/sip4k/sipbot/pkg/auth"
	"github.com/sip4k/sipbot/pkg/message"
	"github.com/sip4k/sipbot/pkg/metrics"
	"github.com/sip4k/sipbot/pkg/session"
	"github.com/sip4k/sipbot/pkg/siperr"
)

const (
	DefaultRegisterInterval = 20 * time.Second
	DefaultRegisterExpires  = message.DefaultExpires
)

type RegisterStatus string

const (
	RegIdle           RegisterStatus = "Idle"
	RegRegistering    RegisterStatus = "Registering"
	RegAuthenticating RegisterStatus = "Authenticating"
	RegRegistered     RegisterStatus = "Registered"
	RegUnregistering  RegisterStatus = "Unregistering"
	RegStopped        RegisterStatus = "Stopped"
	RegFailed         RegisterStatus = "Failed"
)

type regTrigger string

const (
	regRegister   regTrigger = "register"
	regChallenge  regTrigger = "challenge"
	regSuccess    regTrigger = "success"
	regFail       regTrigger = "fail"
	regUnregister regTrigger = "unregister"
	regStop       regTrigger = "stop"
)

// RegisterConfig wires a RegistrationManager to its client.
type RegisterConfig struct {
	Builder   *message.Builder
	Transport session.Transport
	Server    *net.UDPAddr
	Timeout   time.Duration
	// Interval between refreshes while registered.
	Interval time.Duration
	Expires  uint32
	Handler  account.RegisterHandler
	Metrics  *metrics.Metrics
	Logger   log.Logger
}

// RegistrationManager keeps one binding alive: REGISTER with one digest
// retry, refreshed on a fixed interval until Stop unregisters.
type RegistrationManager struct {
	cfg        RegisterConfig
	callID     string
	fromTag    string
	cseq       atomic.Uint32
	authorizer *auth.ClientAuthorizer
	slot       session.Rendezvous

	fsmMu sync.Mutex
	fsm   *stateless.StateMachine

	// exMu serializes REGISTER exchanges and the unregister decision.
	exMu       sync.Mutex
	running    *abool.AtomicBool
	stopped    *abool.AtomicBool
	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup

	log log.Logger
}

func NewRegistrationManager(cfg RegisterConfig) *RegistrationManager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = session.DefaultTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRegisterInterval
	}
	if cfg.Expires == 0 {
		cfg.Expires = DefaultRegisterExpires
	}
	profile := cfg.Builder.Profile()
	r := &RegistrationManager{
		cfg:        cfg,
		callID:     message.NewCallID(),
		fromTag:    message.NewTag(),
		authorizer: auth.NewClientAuthorizer(profile.Login, profile.Password, profile.ServerHost),
		running:    abool.New(),
		stopped:    abool.New(),
	}
	r.loopCtx, r.loopCancel = context.WithCancel(context.Background())
	r.log = cfg.Logger.WithPrefix("Register").WithFields(log.Fields{
		"call_id": r.callID,
		"login":   profile.Login,
	})
	r.fsm = r.newStateMachine()
	return r
}

func (r *RegistrationManager) newStateMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(RegIdle)
	sm.Configure(RegIdle).
		Permit(regRegister, RegRegistering).
		Permit(regStop, RegStopped)
	sm.Configure(RegRegistering).
		Permit(regChallenge, RegAuthenticating).
		Permit(regSuccess, RegRegistered).
		Permit(regFail, RegFailed)
	sm.Configure(RegAuthenticating).
		Permit(regSuccess, RegRegistered).
		Permit(regFail, RegFailed)
	sm.Configure(RegRegistered).
		Permit(regRegister, RegRegistering).
		Permit(regUnregister, RegUnregistering)
	sm.Configure(RegFailed).
		Permit(regRegister, RegRegistering).
		Permit(regUnregister, RegUnregistering).
		Permit(regStop, RegStopped)
	sm.Configure(RegUnregistering).
		Permit(regStop, RegStopped)
	sm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		r.log.Debugf("%v -> %v on %v", t.Source, t.Destination, t.Trigger)
	})
	return sm
}

func (r *RegistrationManager) fire(t regTrigger) error {
	r.fsmMu.Lock()
	defer r.fsmMu.Unlock()
	return r.fsm.Fire(t)
}

func (r *RegistrationManager) Log() log.Logger {
	return r.log
}

func (r *RegistrationManager) CallID() string {
	return r.callID
}

// State is the current registration state.
func (r *RegistrationManager) State() RegisterStatus {
	r.fsmMu.Lock()
	defer r.fsmMu.Unlock()
	return r.fsm.MustState().(RegisterStatus)
}

// Start registers and, on success, starts the refresh loop. A rejection is
// returned as the state together with an error.
func (r *RegistrationManager) Start(ctx context.Context) (account.RegisterState, error) {
	r.exMu.Lock()
	defer r.exMu.Unlock()
	if r.stopped.IsSet() {
		return account.RegisterState{}, siperr.ErrClientClosed
	}
	state, err := r.register(ctx)
	if err != nil {
		return state, err
	}
	if !r.stopped.IsSet() && r.running.SetToIf(false, true) {
		r.wg.Add(1)
		go r.loop()
	}
	return state, nil
}

// HandleResponse passes a REGISTER response to the waiting exchange.
func (r *RegistrationManager) HandleResponse(res sip.Response) error {
	if message.CallID(res) != r.callID {
		return siperr.ErrNoWaiter
	}
	return r.slot.Deliver(res)
}

// Stop ends the refresh loop and removes the binding with expires=0. A
// REGISTER still in flight is waited for first, so a binding it creates is
// removed too. A timeout of the unregister is logged, not returned. Stop is
// idempotent.
func (r *RegistrationManager) Stop(ctx context.Context) error {
	if !r.stopped.SetToIf(false, true) {
		return nil
	}
	r.loopCancel()
	r.wg.Wait()

	r.exMu.Lock()
	defer r.exMu.Unlock()
	r.wg.Wait()
	defer r.slot.Close()

	switch r.State() {
	case RegRegistered, RegFailed:
	default:
		_ = r.fire(regStop)
		return nil
	}
	if err := r.fire(regUnregister); err != nil {
		return err
	}
	state, err := r.exchange(ctx, true)
	_ = r.fire(regStop)
	r.report(state)
	if err != nil {
		if siperr.IsTimeout(err) {
			r.log.Warnf("unregister not answered: %v", err)
			return nil
		}
		return err
	}
	r.log.Infof("unregistered, %d %s", state.StatusCode, state.Reason)
	return nil
}

func (r *RegistrationManager) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.loopCtx.Done():
			return
		case <-ticker.C:
			if err := r.refresh(); err != nil {
				if r.loopCtx.Err() != nil {
					return
				}
				r.log.Warnf("refresh failed: %v", err)
			}
		}
	}
}

func (r *RegistrationManager) refresh() error {
	r.exMu.Lock()
	defer r.exMu.Unlock()
	if err := r.loopCtx.Err(); err != nil {
		return err
	}
	_, err := r.register(r.loopCtx)
	return err
}

func (r *RegistrationManager) register(ctx context.Context) (account.RegisterState, error) {
	if err := r.fire(regRegister); err != nil {
		return account.RegisterState{}, err
	}
	state, err := r.exchange(ctx, false)
	if err != nil || !state.Registered() {
		_ = r.fire(regFail)
		r.cfg.Metrics.Registration("failed")
		if err == nil {
			err = errors.Wrapf(siperr.ErrNotRegistered, "%d %s", state.StatusCode, state.Reason)
		}
	} else {
		_ = r.fire(regSuccess)
		r.cfg.Metrics.Registration("ok")
		r.log.Debugf("registered, expires %d", state.Expiration)
	}
	r.report(state)
	return state, err
}

// exchange runs one REGISTER transaction and its digest retry.
func (r *RegistrationManager) exchange(ctx context.Context, unregister bool) (account.RegisterState, error) {
	w, err := r.slot.Arm()
	if err != nil {
		return account.RegisterState{}, err
	}
	defer w.Release()

	res, err := r.send(ctx, w, nil, unregister)
	if err != nil {
		return r.failure(408, err), err
	}
	if res.StatusCode() == 401 {
		challenge := res
		if !unregister {
			_ = r.fire(regChallenge)
		}
		if res, err = r.send(ctx, w, challenge, unregister); err != nil {
			if siperr.IsAuthentication(err) {
				return r.stateOf(challenge), err
			}
			return r.failure(408, err), err
		}
		if res.StatusCode() == 401 {
			return r.stateOf(res), &siperr.AuthenticationError{Method: string(sip.REGISTER), Reason: "credentials rejected"}
		}
	}
	return r.stateOf(res), nil
}

// send builds a fresh REGISTER, with credentials when challenge is set,
// and waits for its final response.
func (r *RegistrationManager) send(ctx context.Context, w *session.Waiter, challenge sip.Response, unregister bool) (sip.Response, error) {
	seq := r.cseq.Add(1)
	expires := r.cfg.Expires
	if unregister {
		expires = 0
	}
	req := r.cfg.Builder.Register(r.callID, r.fromTag, seq, message.NewBranch(), expires, unregister)
	if challenge != nil {
		if err := r.authorizer.AuthorizeRequest(req, challenge); err != nil {
			return nil, err
		}
	}
	if err := r.cfg.Transport.Send(req, r.cfg.Server); err != nil {
		return nil, err
	}
	return w.Wait(ctx, r.cfg.Timeout, sip.REGISTER, seq)
}

func (r *RegistrationManager) stateOf(res sip.Response) account.RegisterState {
	state := account.RegisterState{
		Account:    *r.cfg.Builder.Profile(),
		StatusCode: res.StatusCode(),
		Reason:     res.Reason(),
		Response:   res,
	}
	if hdrs := res.GetHeaders("Expires"); len(hdrs) > 0 {
		if e, ok := hdrs[0].(*sip.Expires); ok {
			state.Expiration = uint32(*e)
		}
	}
	return state
}

func (r *RegistrationManager) failure(code sip.StatusCode, err error) account.RegisterState {
	return account.RegisterState{
		Account:    *r.cfg.Builder.Profile(),
		StatusCode: code,
		Reason:     err.Error(),
	}
}

func (r *RegistrationManager) report(state account.RegisterState) {
	if r.cfg.Handler != nil {
		r.cfg.Handler(state)
	}
}
