package packet

import (
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestParseRTP(t *testing.T) {
	src := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    96,
			SequenceNumber: 4242,
			Timestamp:      90000,
			SSRC:           0xDEADBEEF,
			CSRC:           []uint32{1, 2},
		},
		Payload: []byte{0x65, 0x01, 0x02},
	}
	buf, err := src.Marshal()
	require.NoError(t, err)

	pkt, err := ParseRTP(buf)
	require.NoError(t, err)
	assert.True(t, pkt.Marker)
	assert.Equal(t, uint8(96), pkt.PayloadType)
	assert.Equal(t, uint16(4242), pkt.SequenceNumber)
	assert.Equal(t, uint32(90000), pkt.Timestamp)
	assert.Equal(t, uint32(0xDEADBEEF), pkt.SSRC)
	assert.Equal(t, []uint32{1, 2}, pkt.CSRC)
	assert.Equal(t, []byte{0x65, 0x01, 0x02}, pkt.Payload)

	// payload is a view over buf
	buf[len(buf)-1] = 0x99
	assert.Equal(t, byte(0x99), pkt.Payload[2])
}

func TestParseRTPErrors(t *testing.T) {
	_, err := ParseRTP([]byte{0x80, 0x60})
	assert.ErrorIs(t, err, ErrShortRTP)

	buf := make([]byte, 12)
	buf[0] = 0x40 // version 1
	_, err = ParseRTP(buf)
	assert.ErrorIs(t, err, ErrRTPVersion)

	// CSRC count says 15 but there are no CSRC words
	buf[0] = 0x8F
	_, err = ParseRTP(buf)
	assert.Error(t, err)
}

func TestIsRTCP(t *testing.T) {
	assert.True(t, IsRTCP([]byte{0x80, 200}))
	assert.False(t, IsRTCP([]byte{0x80, 96}))
	assert.False(t, IsRTCP([]byte{0x80}))
}

func TestTPKTHeader(t *testing.T) {
	h, err := ParseTPKTHeader([]byte{'$', 3, 0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, TPKTHeader{Channel: 3, Length: 0x0102}, h)

	_, err = ParseTPKTHeader([]byte{'$', 3})
	assert.ErrorIs(t, err, ErrShortTPKT)
	_, err = ParseTPKTHeader([]byte{'R', 'T', 'S', 'P'})
	assert.ErrorIs(t, err, ErrTPKTMagic)

	out, err := AppendTPKT(nil, 1, []byte{0xAA, 0xBB})
	require.NoError(t, err)
	assert.Equal(t, []byte{'$', 1, 0, 2, 0xAA, 0xBB}, out)

	_, err = AppendTPKT(nil, 1, make([]byte, TPKTMaxPayload+1))
	assert.ErrorIs(t, err, ErrTPKTTooLong)
}

func TestNTPConversion(t *testing.T) {
	// 2020-01-01T00:00:00Z
	ntp := uint64(3786825600) << 32
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), NTPToTime(ntp))

	half := ntp | 0x80000000
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 500000000, time.UTC), NTPToTime(half))
	assert.Equal(t, half, TimeToNTP(NTPToTime(half)))

	assert.Equal(t, uint32(0x12345678), MiddleNTP(0x0000123456780000))
}

func TestParseSenderReports(t *testing.T) {
	buf, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.SenderReport{SSRC: 7, NTPTime: 1 << 40, RTPTime: 3000, PacketCount: 10, OctetCount: 1000},
		&rtcp.SourceDescription{Chunks: []rtcp.SourceDescriptionChunk{{
			Source: 7,
			Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: "cam"}},
		}}},
	})
	require.NoError(t, err)

	srs, err := ParseSenderReports(buf)
	require.NoError(t, err)
	require.Len(t, srs, 1)
	assert.Equal(t, uint32(7), srs[0].SSRC)
	assert.Equal(t, uint32(3000), srs[0].RTPTime)

	_, err = ParseSenderReports([]byte{0x80})
	assert.Error(t, err)
}
