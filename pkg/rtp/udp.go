package rtp

import (
	"net"

	"github.com/ghettovoice/gosip/log"
	"github.com/tevino/abool"

	"github.com/sip4k/sipbot/pkg/utils"
)

const maxDatagramSize = 1500

// UDPStream is the media socket of one call, bound to a leased port.
type UDPStream struct {
	conn     *net.UDPConn
	stop     *abool.AtomicBool
	onPacket func(pkt []byte, raddr *net.UDPAddr)
	laddr    *net.UDPAddr
	log      log.Logger
}

// NewUDPStream binds host:port. callback gets every datagram; the slice is
// reused after it returns.
func NewUDPStream(host string, port int, callback func(pkt []byte, raddr *net.UDPAddr), logger log.Logger) (*UDPStream, error) {
	conn, err := utils.ListenUDP(host, port)
	if err != nil {
		return nil, err
	}
	return &UDPStream{
		conn:     conn,
		stop:     abool.New(),
		onPacket: callback,
		laddr:    conn.LocalAddr().(*net.UDPAddr),
		log:      logger.WithPrefix("UDPStream"),
	}, nil
}

func (r *UDPStream) LocalAddr() *net.UDPAddr {
	return r.laddr
}

func (r *UDPStream) Close() error {
	if !r.stop.SetToIf(false, true) {
		return nil
	}
	return r.conn.Close()
}

func (r *UDPStream) Send(pkt []byte, raddr *net.UDPAddr) (int, error) {
	return r.conn.WriteToUDP(pkt, raddr)
}

// Read loops until the socket is closed.
func (r *UDPStream) Read() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, raddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if r.stop.IsSet() {
				r.log.Debugf("stop rtp conn %v", r.laddr)
			} else {
				r.log.Infof("rtp conn %v refused, stop now: %v", r.laddr, err)
			}
			return
		}
		if r.stop.IsSet() {
			return
		}
		r.onPacket(buf[:n], raddr)
	}
}
