package rtp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/ghettovoice/gosip/log"
	"github.com/tevino/abool"

	"github.com/sip4k/sipbot/pkg/g711"
	"github.com/sip4k/sipbot/pkg/metrics"
	"github.com/sip4k/sipbot/pkg/siperr"
	"github.com/sip4k/sipbot/pkg/vad"
)

const (
	PayloadPCMU = 0

	FrameSize            = 160
	DefaultFrameInterval = 20 * time.Millisecond
	DefaultQueueSize     = 3000
	DefaultInboundQueue  = 256

	initialSequence  = 10000
	initialTimestamp = 3000
)

// Frame is one decoded inbound packet.
type Frame struct {
	PCM         []byte // 16-bit big-endian linear PCM
	Silence     bool
	EndOfPhrase bool
	Timestamp   uint32
	Sequence    uint16
}

type FrameHandler func(f Frame)

type ChannelConfig struct {
	// Host and Port are the local bind address, Port being the leased one.
	Host string
	Port int
	// Remote is where outbound packets go.
	Remote *net.UDPAddr
	// Release gives the leased port back. It is called once, on Close.
	Release func()

	// FrameInterval paces the sender, one frame per interval. Zero sends
	// as fast as the queue drains.
	FrameInterval time.Duration
	QueueSize     int
	InboundQueue  int
	PhraseDelay   time.Duration

	Logger  log.Logger
	Metrics *metrics.Metrics
}

// MediaChannel is the RTP leg of one call.
//
// The outbound timestamp advances by the number of payload bytes sent. It
// tracks the 8 kHz clock only while every send is one 160 byte (20 ms)
// G.711 frame; SendPCM splits its input accordingly.
type MediaChannel struct {
	log     log.Logger
	metrics *metrics.Metrics
	stream  *UDPStream
	remote  *net.UDPAddr
	release func()

	interval time.Duration
	out      chan []byte
	in       chan Packet

	// sender goroutine only
	seq  uint16
	ts   uint32
	ssrc uint32

	// read goroutine only
	lastTS  uint32
	hasLast bool

	vad    *vad.Analyzer
	phrase *vad.PhraseDetector
	onRecv atomic.Pointer[FrameHandler]

	closed   core.Fuse
	released *abool.AtomicBool
	wg       sync.WaitGroup
}

// NewMediaChannel binds the socket and starts the sender, receiver and
// decoding goroutines.
func NewMediaChannel(cfg ChannelConfig) (*MediaChannel, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = DefaultInboundQueue
	}
	if cfg.FrameInterval < 0 {
		cfg.FrameInterval = 0
	}
	c := &MediaChannel{
		log:      cfg.Logger.WithPrefix("MediaChannel").WithFields(log.Fields{"port": cfg.Port}),
		metrics:  cfg.Metrics,
		remote:   cfg.Remote,
		release:  cfg.Release,
		interval: cfg.FrameInterval,
		out:      make(chan []byte, cfg.QueueSize),
		in:       make(chan Packet, cfg.InboundQueue),
		seq:      initialSequence,
		ts:       initialTimestamp,
		ssrc:     randomSSRC(),
		vad:      vad.NewAnalyzer(),
		phrase:   vad.NewPhraseDetector(cfg.PhraseDelay),
		released: abool.New(),
	}
	stream, err := NewUDPStream(cfg.Host, cfg.Port, c.onPacket, cfg.Logger)
	if err != nil {
		c.releasePort()
		return nil, err
	}
	c.stream = stream

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.stream.Read()
	}()
	go c.sendLoop()
	go c.recvLoop()
	c.log.Debugf("media channel %v -> %v ssrc %d", stream.LocalAddr(), cfg.Remote, c.ssrc)
	return c, nil
}

func randomSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

func (c *MediaChannel) LocalAddr() *net.UDPAddr {
	return c.stream.LocalAddr()
}

func (c *MediaChannel) RemoteAddr() *net.UDPAddr {
	return c.remote
}

func (c *MediaChannel) SSRC() uint32 {
	return c.ssrc
}

// OnFrame sets the inbound handler. Nil drops decoded frames.
func (c *MediaChannel) OnFrame(h FrameHandler) {
	if h == nil {
		c.onRecv.Store(nil)
		return
	}
	c.onRecv.Store(&h)
}

// Send queues one companded payload. It blocks while the queue is full.
func (c *MediaChannel) Send(ctx context.Context, payload []byte) error {
	if c.closed.IsBroken() {
		return siperr.ErrChannelClosed
	}
	frame := make([]byte, len(payload))
	copy(frame, payload)
	select {
	case c.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed.Watch():
		return siperr.ErrChannelClosed
	}
}

// SendPCM compresses 16-bit big-endian PCM to A-law and queues it in
// FrameSize chunks.
func (c *MediaChannel) SendPCM(ctx context.Context, pcm []byte) error {
	data := g711.CompressFrame(pcm, true)
	for len(data) > 0 {
		n := min(FrameSize, len(data))
		if err := c.Send(ctx, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// ResetSilence restarts voice detection, for a new bot utterance.
func (c *MediaChannel) ResetSilence() {
	c.vad.Reset()
	c.phrase.Reset()
}

func (c *MediaChannel) Closed() <-chan struct{} {
	return c.closed.Watch()
}

// Close stops the goroutines, closes the socket and returns the port. It is
// safe to call more than once and from a frame handler.
func (c *MediaChannel) Close() error {
	var err error
	c.closed.Once(func() {
		c.OnFrame(nil)
		err = c.stream.Close()
		c.releasePort()
		c.log.Debugf("media channel closed")
	})
	return err
}

// Wait blocks until the channel goroutines are gone. Must not be called
// from a frame handler.
func (c *MediaChannel) Wait() {
	c.wg.Wait()
}

func (c *MediaChannel) releasePort() {
	if c.released.SetToIf(false, true) && c.release != nil {
		c.release()
	}
}

func (c *MediaChannel) sendLoop() {
	defer c.wg.Done()
	buf := make([]byte, HeaderSize+FrameSize)
	var timer *time.Timer
	for {
		select {
		case <-c.closed.Watch():
			return
		case payload := <-c.out:
			buf = c.writePacket(buf, payload)
			if c.interval <= 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(c.interval)
				defer timer.Stop()
			} else {
				timer.Reset(c.interval)
			}
			select {
			case <-c.closed.Watch():
				return
			case <-timer.C:
			}
		}
	}
}

func (c *MediaChannel) writePacket(buf, payload []byte) []byte {
	p := Packet{
		Version:        rtpVersion,
		PayloadType:    PayloadPCMA,
		SequenceNumber: c.seq,
		Timestamp:      c.ts,
		SSRC:           c.ssrc,
		Payload:        payload,
	}
	c.seq++
	c.ts += uint32(len(payload))

	if need := HeaderSize + len(payload); cap(buf) < need {
		buf = make([]byte, need)
	}
	n, err := p.MarshalTo(buf[:cap(buf)])
	if err != nil {
		c.log.Errorf("marshal rtp packet: %v", err)
		return buf
	}
	remote := c.remote
	if remote == nil {
		return buf
	}
	if _, err := c.stream.Send(buf[:n], remote); err != nil {
		if !c.closed.IsBroken() {
			c.log.Warnf("send rtp to %v: %v", remote, err)
		}
		return buf
	}
	c.metrics.PacketRTP(metrics.DirOut)
	return buf
}

// onPacket runs on the socket goroutine and never blocks.
func (c *MediaChannel) onPacket(data []byte, raddr *net.UDPAddr) {
	var p Packet
	if err := p.Unmarshal(data); err != nil {
		c.log.Debugf("drop malformed rtp from %v: %v", raddr, err)
		c.metrics.DroppedRTP("malformed")
		return
	}
	if c.hasLast && p.Timestamp <= c.lastTS {
		c.metrics.DroppedRTP("reordered")
		return
	}
	c.hasLast = true
	c.lastTS = p.Timestamp
	p.Payload = append([]byte(nil), p.Payload...)

	select {
	case c.in <- p:
		c.metrics.PacketRTP(metrics.DirIn)
	default:
		c.metrics.DroppedRTP("queue_full")
	}
}

func (c *MediaChannel) recvLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closed.Watch():
			return
		case p := <-c.in:
			c.decode(p)
		}
	}
}

func (c *MediaChannel) decode(p Packet) {
	var aLaw bool
	switch p.PayloadType {
	case PayloadPCMA:
		aLaw = true
	case PayloadPCMU:
		aLaw = false
	default:
		c.metrics.DroppedRTP("payload_type")
		return
	}
	silence := c.vad.IsQuiet(p.Payload)
	end := c.phrase.Observe(silence, vad.FrameDuration(len(p.Payload)))
	f := Frame{
		PCM:         g711.DecompressFrame(p.Payload, aLaw),
		Silence:     silence,
		EndOfPhrase: end,
		Timestamp:   p.Timestamp,
		Sequence:    p.SequenceNumber,
	}
	if h := c.onRecv.Load(); h != nil {
		(*h)(f)
	}
}
