package mock

import (
	"time"

	"github.com/pixelbender/go-sdp/sdp"
)

// AudioSDP describes a PCMA audio stream at host:port the way a desk phone
// would, with a second codec and DTMF events on offer.
func AudioSDP(host string, port int) string {
	id := time.Now().UnixNano() / 1e6
	sess := &sdp.Session{
		Origin: &sdp.Origin{
			Username:       "-",
			Address:        host,
			SessionID:      id,
			SessionVersion: id,
		},
		Name:       "mock",
		Timing:     &sdp.Timing{Start: time.Time{}, Stop: time.Time{}},
		Connection: &sdp.Connection{Address: host},
		Media: []*sdp.Media{
			{
				Connection: []*sdp.Connection{{Address: host}},
				Mode:       sdp.SendRecv,
				Type:       "audio",
				Port:       port,
				Proto:      "RTP/AVP",
				Format: []*sdp.Format{
					{Payload: 8, Name: "PCMA", ClockRate: 8000},
					{Payload: 18, Name: "G729", ClockRate: 8000, Params: []string{"annexb=yes"}},
					{Payload: 101, Name: "telephone-event", ClockRate: 8000, Params: []string{"0-16"}},
				},
			},
		},
	}
	return sess.String()
}
