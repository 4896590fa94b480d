package rtp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	payload := []byte{0xd5, 0xd5, 0x55, 0xaa}
	for _, padding := range []bool{false, true} {
		for _, ext := range []bool{false, true} {
			for _, marker := range []bool{false, true} {
				for _, csrc := range []uint8{0, 1, 15} {
					for _, pt := range []uint8{0, PayloadPCMA, 120, 127} {
						for _, seq := range []uint16{0, 10000, 0xffff} {
							in := Packet{
								Version:        rtpVersion,
								Padding:        padding,
								Extension:      ext,
								CSRCCount:      csrc,
								Marker:         marker,
								PayloadType:    pt,
								SequenceNumber: seq,
								Timestamp:      0xdeadbeef,
								SSRC:           0x01020304,
								Payload:        payload,
							}
							data, err := in.Marshal()
							require.NoError(t, err)
							require.Len(t, data, HeaderSize+len(payload))

							var out Packet
							require.NoError(t, out.Unmarshal(data))
							if diff := cmp.Diff(in, out); diff != "" {
								t.Fatalf("round trip mismatch (-in +out):\n%s", diff)
							}
						}
					}
				}
			}
		}
	}
}

func TestPacketLayout(t *testing.T) {
	p := Packet{
		Version:        2,
		Marker:         true,
		PayloadType:    PayloadPCMA,
		SequenceNumber: 10000,
		Timestamp:      3000,
		SSRC:           0xcafebabe,
		Payload:        []byte{0x01, 0x02},
	}
	data, err := p.Marshal()
	require.NoError(t, err)
	require.Equal(t, []byte{
		0x80, 0x88,
		0x27, 0x10,
		0x00, 0x00, 0x0b, 0xb8,
		0xca, 0xfe, 0xba, 0xbe,
		0x01, 0x02,
	}, data)
}

func TestPacketErrors(t *testing.T) {
	var p Packet
	require.Error(t, p.Unmarshal(make([]byte, HeaderSize-1)))

	_, err := (&Packet{Version: 2, CSRCCount: 16}).Marshal()
	require.Error(t, err)

	_, err = (&Packet{Version: 2, PayloadType: 128}).Marshal()
	require.Error(t, err)

	_, err = (&Packet{Version: 2, Payload: []byte{1, 2}}).MarshalTo(make([]byte, HeaderSize))
	require.Error(t, err)
}
