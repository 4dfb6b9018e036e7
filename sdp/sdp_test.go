package sdp

import (
	"github.com/greendrake/rtspcam/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

const twoTracks = "v=0\r\n" +
	"o=- 1109162014219182 1 IN IP4 192.168.1.10\r\n" +
	"s=Session streamed by camera\r\n" +
	"t=0 0\r\n" +
	"a=control:*\r\n" +
	"a=range:npt=0-\r\n" +
	"m=video 0 RTP/AVP 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"b=AS:5000\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=fmtp:96 packetization-mode=1;profile-level-id=42001f;sprop-parameter-sets=Z0IAH5WoFAFuQA==,aM48gA==\r\n" +
	"a=control:trackID=1\r\n" +
	"m=audio 0 RTP/AVP 97\r\n" +
	"a=rtpmap:97 MPEG4-GENERIC/44100/2\r\n" +
	"a=fmtp:97 streamtype=5;profile-level-id=15;mode=AAC-hbr;config=1210;sizelength=13;indexlength=3;indexdeltalength=3\r\n" +
	"a=control:trackID=2\r\n"

func TestParseTwoTracks(t *testing.T) {
	desc, err := Parse([]byte(twoTracks))
	require.NoError(t, err)
	assert.Equal(t, "*", desc.Control)
	require.Len(t, desc.Tracks, 2)

	v := desc.Tracks[0]
	assert.Equal(t, 0, v.Index)
	assert.Equal(t, media.CodecH264, v.Codec)
	assert.Equal(t, media.KindVideo, v.Kind)
	assert.Equal(t, 90000, v.ClockRate)
	assert.Equal(t, uint8(96), v.PayloadType)
	assert.Equal(t, "trackID=1", v.Control)
	assert.Equal(t, []byte{0x67, 0x42, 0x00, 0x1f, 0x95, 0xa8, 0x14, 0x01, 0x6e, 0x40}, v.SPS)
	assert.Equal(t, []byte{0x68, 0xce, 0x3c, 0x80}, v.PPS)

	a := desc.Tracks[1]
	assert.Equal(t, 1, a.Index)
	assert.Equal(t, media.CodecAAC, a.Codec)
	assert.Equal(t, media.KindAudio, a.Kind)
	assert.Equal(t, 44100, a.ClockRate)
	assert.Equal(t, 2, a.Channels)
	assert.Equal(t, []byte{0x12, 0x10}, a.AACConfig)
	assert.Equal(t, 13, a.SizeLength)
	assert.Equal(t, 3, a.IndexLength)
	assert.Equal(t, 3, a.IndexDeltaLength)
}

func TestParseIdempotent(t *testing.T) {
	d1, err := Parse([]byte(twoTracks))
	require.NoError(t, err)
	d2, err := Parse([]byte(twoTracks))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestParseLenientCameraBody(t *testing.T) {
	// No o= and t=, session attribute before c=, LF line endings.
	body := strings.Join([]string{
		"v=0",
		"s=IPCamera",
		"a=control:rtsp://10.0.0.2/live/",
		"c=IN IP4 0.0.0.0",
		"m=video 0 RTP/AVP 96",
		"a=rtpmap:96 H264/90000",
		"a=control:track0",
		"m=audio 0 RTP/AVP 8",
		"a=control:track1",
		"m=audio 0 RTP/AVP 2",
		"a=rtpmap:2 G726-32/8000",
		"a=control:track2",
		"",
	}, "\n")
	desc, err := Parse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "rtsp://10.0.0.2/live/", desc.Control)
	require.Len(t, desc.Tracks, 3)
	assert.Equal(t, media.CodecH264, desc.Tracks[0].Codec)
	assert.Nil(t, desc.Tracks[0].SPS)

	pcma := desc.Tracks[1]
	assert.Equal(t, media.CodecPCMA, pcma.Codec)
	assert.Equal(t, 8000, pcma.ClockRate)
	assert.Equal(t, 1, pcma.Channels)
	assert.Equal(t, "track1", pcma.Control)

	g726 := desc.Tracks[2]
	assert.Equal(t, media.CodecG726, g726.Codec)
	assert.Equal(t, 32, g726.Bitrate)
	assert.Equal(t, 4, g726.BitsPerSample)
	assert.Equal(t, 2, g726.Index)
}

func TestParseDropsUnsupported(t *testing.T) {
	body := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=x\r\nt=0 0\r\n" +
		"m=video 0 RTP/AVP 98\r\na=rtpmap:98 H265/90000\r\na=control:trackID=0\r\n" +
		"m=data 0 RTP/AVP 107\r\na=rtpmap:107 vnd.onvif.metadata/90000\r\n" +
		"m=audio 0 RTP/AVP 0\r\na=control:trackID=1\r\n" +
		"m=video 0 RTP/AVP 97\r\n"
	desc, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Len(t, desc.Tracks, 1)
	assert.Equal(t, media.CodecPCMU, desc.Tracks[0].Codec)
	assert.Equal(t, 0, desc.Tracks[0].Index)
	assert.Equal(t, "trackID=1", desc.Tracks[0].Control)
}

func TestParseMalformed(t *testing.T) {
	for _, body := range []string{
		"",
		"RTSP/1.0 200 OK\r\n",
		"o=- 0 0 IN IP4 127.0.0.1\r\nv=0\r\n",
		"v=zero\r\ns=x\r\n",
	} {
		_, err := Parse([]byte(body))
		assert.ErrorIs(t, err, ErrMalformed, "body %q", body)
	}
}

func TestControlURL(t *testing.T) {
	base := "rtsp://10.0.0.2:554/live"
	assert.Equal(t, base, ControlURL(base, ""))
	assert.Equal(t, base, ControlURL(base, "*"))
	assert.Equal(t, "rtsp://10.0.0.2:554/live/trackID=1", ControlURL(base, "trackID=1"))
	assert.Equal(t, "rtsp://10.0.0.2:554/live/trackID=1", ControlURL(base+"/", "trackID=1"))
	assert.Equal(t, "rtsp://other/track", ControlURL(base, "rtsp://other/track"))
}

func TestParseDropsBrokenMediaBlock(t *testing.T) {
	head := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=x\r\nt=0 0\r\n" +
		"m=video 0 RTP/AVP 96\r\na=rtpmap:96 H264/90000\r\na=control:trackID=0\r\n" +
		"m=audio 0 RTP/AVP 0\r\na=control:trackID=1\r\n"
	for _, bad := range []string{"bogus", "b=AS"} {
		desc, err := Parse([]byte(head + bad + "\r\n"))
		require.NoError(t, err, bad)
		require.Len(t, desc.Tracks, 1, bad)
		assert.Equal(t, media.CodecH264, desc.Tracks[0].Codec)
	}

	// The same line at session level is fatal.
	_, err := Parse([]byte("v=0\r\nbogus\r\ns=x\r\n"))
	assert.ErrorIs(t, err, ErrMalformed)
}
