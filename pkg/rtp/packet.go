package rtp

import (
	"io"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

const (
	HeaderSize   = 12
	PayloadPCMA  = 8
	rtpVersion   = 2
	maxCSRCCount = 15
)

// Packet is a minimal RFC 3550 packet: fixed 12-byte header, no
// extension, no CSRC list.
type Packet struct {
	Version        uint8
	Padding        bool
	Extension      bool
	CSRCCount      uint8
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	Payload        []byte
}

func (p *Packet) header() rtp.Header {
	return rtp.Header{
		Version:        p.Version,
		Padding:        p.Padding,
		Extension:      p.Extension,
		Marker:         p.Marker,
		PayloadType:    p.PayloadType,
		SequenceNumber: p.SequenceNumber,
		Timestamp:      p.Timestamp,
		SSRC:           p.SSRC,
	}
}

// Marshal renders the packet. The CSRC count and extension bit are carried
// as flags only; no CSRC list or extension body is written.
func (p *Packet) Marshal() ([]byte, error) {
	buf := make([]byte, HeaderSize+len(p.Payload))
	n, err := p.MarshalTo(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *Packet) MarshalTo(buf []byte) (int, error) {
	if p.CSRCCount > maxCSRCCount {
		return 0, errors.Errorf("rtp: csrc count %d out of range", p.CSRCCount)
	}
	if p.PayloadType > 0x7f {
		return 0, errors.Errorf("rtp: payload type %d out of range", p.PayloadType)
	}
	if len(buf) < HeaderSize+len(p.Payload) {
		return 0, errors.WithStack(io.ErrShortBuffer)
	}
	h := p.header()
	// flags only, pion would expect an extension body and padding bytes
	h.Extension = false
	h.Padding = false
	n, err := h.MarshalTo(buf)
	if err != nil {
		return 0, errors.Wrap(err, "rtp: marshal header")
	}
	buf[0] |= p.CSRCCount & 0x0f
	if p.Padding {
		buf[0] |= 1 << 5
	}
	if p.Extension {
		buf[0] |= 1 << 4
	}
	n += copy(buf[n:], p.Payload)
	return n, nil
}

// Unmarshal parses a datagram. Payload aliases data.
func (p *Packet) Unmarshal(data []byte) error {
	if len(data) < HeaderSize {
		return errors.Errorf("rtp: packet of %d bytes is shorter than the header", len(data))
	}
	p.Version = data[0] >> 6
	p.Padding = data[0]&(1<<5) != 0
	p.Extension = data[0]&(1<<4) != 0
	p.CSRCCount = data[0] & 0x0f

	fixed := make([]byte, HeaderSize)
	copy(fixed, data[:HeaderSize])
	fixed[0] &^= 1<<5 | 1<<4 | 0x0f
	var h rtp.Header
	if _, err := h.Unmarshal(fixed); err != nil {
		return errors.Wrap(err, "rtp: unmarshal header")
	}
	p.Marker = h.Marker
	p.PayloadType = h.PayloadType
	p.SequenceNumber = h.SequenceNumber
	p.Timestamp = h.Timestamp
	p.SSRC = h.SSRC
	p.Payload = data[HeaderSize:]
	return nil
}
