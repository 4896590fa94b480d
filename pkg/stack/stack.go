package stack

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/transport"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/sip4k/sipbot/pkg/message"
	"github.com/sip4k/sipbot/pkg/metrics"
	"github.com/sip4k/sipbot/pkg/siperr"
	"github.com/sip4k/sipbot/pkg/utils"
)

const (
	// DefaultUserAgent .
	DefaultUserAgent  = message.DefaultUserAgent
	DefaultAnswerSize = 1024
	network           = "UDP"
)

var ErrStopped = errors.New("can not send through stopped sip stack")

// RequestHandler is called for each inbound request of its method. from is
// the datagram source, responses go back there.
type RequestHandler func(req sip.Request, from *net.UDPAddr)

// ResponseHandler is called for each inbound response whose CSeq carries
// its method. A returned error is a dispatch failure.
type ResponseHandler func(res sip.Response, from *net.UDPAddr) error

// SipStackConfig describes available options
type SipStackConfig struct {
	// Host and Port to bind, port 0 picks a free one.
	Host string
	Port int
	// Dns is an address of the DNS server used to resolve the registrar.
	Dns        string
	UserAgent  string
	Extensions []string
	// AnswerCacheSize bounds the responses kept for retransmitted requests.
	AnswerCacheSize int
	Metrics         *metrics.Metrics
}

// SipStack sends and receives SIP through a gosip UDP transport layer and
// routes inbound messages: requests by method, responses by CSeq method.
type SipStack struct {
	tp               transport.Layer
	laddr            *net.UDPAddr
	inShutdown       atomic.Bool
	hwg              sync.WaitGroup
	hmu              sync.RWMutex
	requestHandlers  map[sip.RequestMethod]RequestHandler
	responseHandlers map[sip.RequestMethod]ResponseHandler
	answered         *lru.Cache[string, sip.Response]
	resolver         *Resolver
	userAgent        string
	extensions       []string
	metrics          *metrics.Metrics
	log              log.Logger
}

// NewSipStack starts the transport layer and binds the socket. Serving
// starts with Listen.
func NewSipStack(config *SipStackConfig, logger log.Logger) (*SipStack, error) {
	if config == nil {
		config = &SipStackConfig{}
	}
	logger = logger.WithPrefix("SipStack")

	ip := net.ParseIP(config.Host)
	listenIP := ip
	if ip == nil {
		listenIP = net.IPv4zero
		if host, err := utils.LocalIP(""); err == nil {
			ip = net.ParseIP(host)
		} else {
			ip = net.IPv4(127, 0, 0, 1)
		}
	}
	port := config.Port
	if port == 0 {
		free, err := utils.FreeUDPPort(listenIP.String())
		if err != nil {
			return nil, errors.Wrapf(err, "pick sip port on %s", listenIP)
		}
		port = free
	}

	size := config.AnswerCacheSize
	if size <= 0 {
		size = DefaultAnswerSize
	}
	answered, err := lru.New[string, sip.Response](size)
	if err != nil {
		return nil, err
	}

	dnsResolver := net.DefaultResolver
	if config.Dns != "" {
		dnsResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "udp", config.Dns)
			},
		}
	}

	tp := transport.NewLayer(ip, dnsResolver, nil, logger.WithPrefix("transport.Layer"))
	listenAddr := net.JoinHostPort(listenIP.String(), strconv.Itoa(port))
	if err := tp.Listen(network, listenAddr); err != nil {
		tp.Cancel()
		<-tp.Done()
		return nil, errors.Wrapf(err, "listen sip on %s", listenAddr)
	}

	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	s := &SipStack{
		tp:               tp,
		laddr:            &net.UDPAddr{IP: listenIP, Port: port},
		requestHandlers:  make(map[sip.RequestMethod]RequestHandler),
		responseHandlers: make(map[sip.RequestMethod]ResponseHandler),
		answered:         answered,
		resolver:         &Resolver{NameServer: config.Dns},
		userAgent:        userAgent,
		extensions:       config.Extensions,
		metrics:          config.Metrics,
	}
	s.log = logger.WithFields(log.Fields{
		"sip_server_ptr": fmt.Sprintf("%p", s),
	})
	return s, nil
}

// Log .
func (s *SipStack) Log() log.Logger {
	return s.log
}

// LocalAddr is the bound SIP address.
func (s *SipStack) LocalAddr() *net.UDPAddr {
	return s.laddr
}

// Listen starts routing what the transport layer receives.
func (s *SipStack) Listen() {
	s.hwg.Add(1)
	go s.serve()
}

func (s *SipStack) serve() {
	defer s.hwg.Done()
	for {
		select {
		case msg, ok := <-s.tp.Messages():
			if !ok {
				return
			}
			s.hwg.Add(1)
			go s.handleMessage(msg)
		case err, ok := <-s.tp.Errors():
			if !ok {
				return
			}
			s.Log().Warnf("received SIP transport error: %s", err)
			s.metrics.DispatchError("transport")
		case <-s.tp.Done():
			return
		}
	}
}

func (s *SipStack) handleMessage(msg sip.Message) {
	defer s.hwg.Done()

	from, err := net.ResolveUDPAddr("udp", msg.Source())
	if err != nil {
		s.Log().Warnf("drop %s with bad source %q: %v", msg.Short(), msg.Source(), err)
		s.metrics.DispatchError("source")
		return
	}
	switch m := msg.(type) {
	case sip.Request:
		s.handleRequest(m, from)
	case sip.Response:
		s.handleResponse(m, from)
	}
}

func (s *SipStack) handleRequest(req sip.Request, from *net.UDPAddr) {
	logger := s.Log().WithFields(req.Fields())
	logger.Debugf("routing incoming SIP request %s from %v", req.Short(), from)
	s.metrics.SipMessage(metrics.DirIn, string(req.Method()), "request")

	if req.Method() != sip.ACK {
		if res, ok := s.answered.Get(message.TransactionKey(req)); ok {
			logger.Debugf("retransmitted %s, resend %s", req.Method(), res.Short())
			if err := s.Send(res, from); err != nil {
				logger.Errorf("resend %s failed: %s", res.Short(), err)
			}
			return
		}
	}

	s.hmu.RLock()
	handler, ok := s.requestHandlers[req.Method()]
	s.hmu.RUnlock()

	if !ok {
		err := &siperr.UnsupportedMethodError{Method: string(req.Method())}
		logger.Warnf("SIP request handler not found: %v", err)
		s.metrics.DispatchError("unsupported_method")
		if req.Method() == sip.ACK {
			return
		}
		res := sip.NewResponseFromRequest(req.MessageID(), req, 405, "Method Not Allowed", "")
		if err := s.Respond(req, res); err != nil {
			logger.Errorf("respond '405 Method Not Allowed' failed: %s", err)
		}
		return
	}

	handler(req, from)
}

func (s *SipStack) handleResponse(res sip.Response, from *net.UDPAddr) {
	logger := s.Log().WithFields(log.Fields{
		"sip_response": res.Short(),
	})
	_, method := message.CSeq(res)
	s.metrics.SipMessage(metrics.DirIn, string(method), "response")

	s.hmu.RLock()
	handler, ok := s.responseHandlers[method]
	s.hmu.RUnlock()

	if !ok {
		logger.Warn("received not matched response")
		s.metrics.DispatchError("no_handler")
		return
	}
	if err := handler(res, from); err != nil {
		logger.Warnf("dispatch response failed: %v", err)
		if errors.Is(err, siperr.ErrNoWaiter) {
			s.metrics.DispatchError("no_waiter")
		} else {
			s.metrics.DispatchError("handler")
		}
	}
}

// Respond sends res to the source of req and remembers it for
// retransmissions of req.
func (s *SipStack) Respond(req sip.Request, res sip.Response) error {
	addr, err := net.ResolveUDPAddr("udp", req.Source())
	if err != nil {
		return errors.Wrapf(err, "respond to %q", req.Source())
	}
	if req.Method() != sip.ACK {
		s.answered.Add(message.TransactionKey(req), res)
	}
	return s.Send(res, addr)
}

// Send writes a copy of msg, completed with the automatic headers, to addr.
// msg itself is left untouched so it can be resent concurrently.
func (s *SipStack) Send(msg sip.Message, addr *net.UDPAddr) error {
	if s.shuttingDown() {
		return ErrStopped
	}
	if addr == nil {
		return errors.New("send sip message: no destination")
	}
	out := msg.Clone()
	s.appendAutoHeaders(out)
	out.SetSource(s.laddr.String())
	out.SetDestination(addr.String())

	if err := s.tp.Send(out); err != nil {
		return errors.Wrapf(err, "send %s to %v", out.Short(), addr)
	}

	switch m := out.(type) {
	case sip.Request:
		s.metrics.SipMessage(metrics.DirOut, string(m.Method()), "request")
	case sip.Response:
		_, method := message.CSeq(m)
		s.metrics.SipMessage(metrics.DirOut, string(method), "response")
	}
	s.Log().Debugf("sent %s to %v", out.Short(), addr)
	return nil
}

// ResolveAddr resolves the registrar address, through the configured DNS
// server when there is one.
func (s *SipStack) ResolveAddr(ctx context.Context, host string, port int) (*net.UDPAddr, error) {
	return s.resolver.ResolveUDPAddr(ctx, host, port)
}

func (s *SipStack) shuttingDown() bool {
	return s.inShutdown.Load()
}

// Shutdown stops the transport layer and waits for the handlers.
func (s *SipStack) Shutdown() {
	if !s.inShutdown.CompareAndSwap(false, true) {
		return
	}
	s.tp.Cancel()
	<-s.tp.Done()
	s.hwg.Wait()
}

// OnRequest registers new request callback
func (s *SipStack) OnRequest(method sip.RequestMethod, handler RequestHandler) {
	s.hmu.Lock()
	s.requestHandlers[method] = handler
	s.hmu.Unlock()
}

// OnResponse registers the callback for responses to method.
func (s *SipStack) OnResponse(method sip.RequestMethod, handler ResponseHandler) {
	s.hmu.Lock()
	s.responseHandlers[method] = handler
	s.hmu.Unlock()
}

func (s *SipStack) appendAutoHeaders(msg sip.Message) {
	autoAppendMethods := map[sip.RequestMethod]bool{
		sip.INVITE:   true,
		sip.REGISTER: true,
		sip.OPTIONS:  true,
	}

	var msgMethod sip.RequestMethod
	switch m := msg.(type) {
	case sip.Request:
		msgMethod = m.Method()
	case sip.Response:
		if cseq, ok := m.CSeq(); ok && !m.IsProvisional() {
			msgMethod = cseq.MethodName
		}
	}
	if len(msgMethod) > 0 {
		if _, ok := autoAppendMethods[msgMethod]; ok {
			hdrs := msg.GetHeaders("Allow")
			if len(hdrs) == 0 {
				allow := make(sip.AllowHeader, 0, len(message.AllowedMethods))
				allow = append(allow, message.AllowedMethods...)
				msg.AppendHeader(allow)
			}

			hdrs = msg.GetHeaders("Supported")
			if len(hdrs) == 0 && len(s.extensions) > 0 {
				msg.AppendHeader(&sip.SupportedHeader{
					Options: s.extensions,
				})
			}
		}
	}

	if hdrs := msg.GetHeaders("User-Agent"); len(hdrs) == 0 {
		userAgent := sip.UserAgentHeader(s.userAgent)
		msg.AppendHeader(&userAgent)
	}

	if hdrs := msg.GetHeaders("Content-Length"); len(hdrs) == 0 {
		msg.SetBody(msg.Body(), true)
	}
}
