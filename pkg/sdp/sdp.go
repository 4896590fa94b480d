package sdp

import (
	"net"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	pixsdp "github.com/pixelbender/go-sdp/sdp"

	"github.com/sip4k/sipbot/pkg/siperr"
)

const (
	SessionName           = "Sip4k"
	PayloadPCMA           = 8
	PayloadTelephoneEvent = 120
	ClockRate             = 8000
)

// Endpoint is the media address of one side.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) UDPAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", e.String())
}

// Build renders the audio offer/answer for host:port:
//
//	v=0
//	o=- <id> 0 IN IP4 <host>
//	s=Sip4k
//	t=0 0
//	m=audio <port> RTP/AVP 8 120
//	c=IN IP4 <host>
//	a=sendrecv
//	a=rtpmap:8 PCMA/8000
//	a=rtpmap:120 telephone-event/8000
//	a=fmtp:120 0-16
func Build(sessionID uint64, host string, port int) (string, error) {
	desc := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: sdp.SessionName(SessionName),
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{strconv.Itoa(PayloadPCMA), strconv.Itoa(PayloadTelephoneEvent)},
				},
				ConnectionInformation: &sdp.ConnectionInformation{
					NetworkType: "IN",
					AddressType: "IP4",
					Address:     &sdp.Address{Address: host},
				},
				Attributes: []sdp.Attribute{
					{Key: "sendrecv"},
					{Key: "rtpmap", Value: "8 PCMA/8000"},
					{Key: "rtpmap", Value: "120 telephone-event/8000"},
					{Key: "fmtp", Value: "120 0-16"},
				},
			},
		},
	}
	data, err := desc.Marshal()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Parse extracts the remote audio endpoint. The media level c= line wins
// over the session level one. Bodies the strict parser rejects are retried
// with a lenient one.
func Parse(body string) (Endpoint, error) {
	if strings.TrimSpace(body) == "" {
		return Endpoint{}, &siperr.MalformedSdpError{Reason: "empty body"}
	}
	ep, err := parseStrict(body)
	if err == nil {
		return ep, nil
	}
	if ep, lerr := parseLenient(body); lerr == nil {
		return ep, nil
	}
	return Endpoint{}, err
}

func parseStrict(body string) (Endpoint, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(body)); err != nil {
		return Endpoint{}, &siperr.MalformedSdpError{Reason: err.Error()}
	}
	var ep Endpoint
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		ep.Host = desc.ConnectionInformation.Address.Address
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		ep.Port = m.MediaName.Port.Value
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			ep.Host = m.ConnectionInformation.Address.Address
		}
		break
	}
	return validate(ep)
}

func parseLenient(body string) (Endpoint, error) {
	sess, err := pixsdp.ParseString(body)
	if err != nil {
		return Endpoint{}, &siperr.MalformedSdpError{Reason: err.Error()}
	}
	var ep Endpoint
	if sess.Connection != nil {
		ep.Host = sess.Connection.Address
	}
	for _, m := range sess.Media {
		if m.Type != "audio" {
			continue
		}
		ep.Port = m.Port
		if len(m.Connection) > 0 && m.Connection[0] != nil {
			ep.Host = m.Connection[0].Address
		}
		break
	}
	return validate(ep)
}

func validate(ep Endpoint) (Endpoint, error) {
	if ep.Host == "" {
		return Endpoint{}, &siperr.MalformedSdpError{Reason: "no connection address"}
	}
	if ep.Port <= 0 || ep.Port > 0xFFFF {
		return Endpoint{}, &siperr.MalformedSdpError{Reason: "no audio port"}
	}
	return ep, nil
}
