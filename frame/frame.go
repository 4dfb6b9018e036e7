package frame

import (
	"github.com/greendrake/rtspcam/media"
	"time"
)

// Range is a byte range inside Frame.Data.
type Range struct {
	Offset int
	Length int
}

func (r Range) Empty() bool {
	return r.Length == 0
}

type Frame struct {
	Track           int
	Codec           media.Codec
	IsVideo         bool
	IsVideoKeyFrame bool
	IsAudio         bool
	// RTP timestamp of the access unit.
	Timestamp uint32
	// Presentation time relative to the first frame of the track.
	PTS      time.Duration
	Duration time.Duration
	// Zero until the server has sent an RTCP sender report.
	WallClock time.Time
	// Annex-B for H.264, raw access unit for AAC, codec words for G.711/G.726.
	Data []byte

	// H.264 key frames: SPS+PPS in Annex-B form at the start of Data.
	ParamSets Range
	SPSSize   int

	// AAC AudioSpecificConfig.
	Config []byte

	SampleRate         int
	Channels           int
	BitsPerCodedSample int
}

// ParamSetBytes returns the parameter sets of a key frame, or nil.
func (f *Frame) ParamSetBytes() []byte {
	if f.ParamSets.Empty() {
		return nil
	}
	return f.Data[f.ParamSets.Offset : f.ParamSets.Offset+f.ParamSets.Length]
}
