package sdp

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"
	"github.com/greendrake/rtspcam/media"
	psdp "github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"
	"strconv"
	"strings"
)

var log = logrus.WithField("prefix", "sdp")

type Description struct {
	// Session-level a=control, empty when absent.
	Control string
	Tracks  []media.Track
}

// Parse reads a DESCRIBE body. Media blocks the client cannot decode or
// parse are dropped with a warning; only a broken session section is an error.
func Parse(body []byte) (*Description, error) {
	norm, dropped, err := normalize(body)
	if err != nil {
		return nil, err
	}
	for _, m := range dropped {
		log.Warnf("Skipping media block %s", m)
	}
	var sd psdp.SessionDescription
	if err := sd.Unmarshal(norm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	desc := &Description{}
	if v, ok := sd.Attribute("control"); ok {
		desc.Control = strings.TrimSpace(v)
	}
	for _, md := range sd.MediaDescriptions {
		t, err := parseMedia(md)
		if err != nil {
			log.Warnf("Skipping %s track: %v", md.MediaName.Media, err)
			continue
		}
		t.Index = len(desc.Tracks)
		desc.Tracks = append(desc.Tracks, t)
	}
	return desc, nil
}

type rtpmap struct {
	encoding  string
	clockRate int
	channels  int
}

func parseMedia(md *psdp.MediaDescription) (media.Track, error) {
	maps := map[uint8]rtpmap{}
	fmtps := map[uint8]map[string]string{}
	var control string
	for _, a := range md.Attributes {
		switch a.Key {
		case "rtpmap":
			pt, rm, err := parseRTPMap(a.Value)
			if err == nil {
				maps[pt] = rm
			}
		case "fmtp":
			pt, params, err := parseFMTP(a.Value)
			if err == nil {
				fmtps[pt] = params
			}
		case "control":
			control = strings.TrimSpace(a.Value)
		}
	}

	for _, f := range md.MediaName.Formats {
		n, err := strconv.ParseUint(f, 10, 7)
		if err != nil {
			continue
		}
		pt := uint8(n)
		rm, ok := maps[pt]
		if !ok {
			rm, ok = staticPayloadTypes[pt]
		}
		if !ok {
			continue
		}
		codec, bitrate := media.CodecByEncoding(rm.encoding)
		if codec == media.CodecUnknown || codec.Kind().String() != md.MediaName.Media {
			continue
		}
		t := media.Track{
			Control:     control,
			Kind:        codec.Kind(),
			Codec:       codec,
			PayloadType: pt,
			ClockRate:   rm.clockRate,
			Channels:    rm.channels,
		}
		if err := applyFMTP(&t, fmtps[pt]); err != nil {
			return media.Track{}, err
		}
		if codec == media.CodecG726 {
			t.Bitrate = bitrate
			t.BitsPerSample = bitrate / 8
		}
		if t.Kind == media.KindAudio && t.Channels == 0 {
			t.Channels = 1
		}
		return t, nil
	}
	return media.Track{}, fmt.Errorf("no supported payload type among %v", md.MediaName.Formats)
}

var staticPayloadTypes = map[uint8]rtpmap{
	0: {encoding: "PCMU", clockRate: 8000, channels: 1},
	8: {encoding: "PCMA", clockRate: 8000, channels: 1},
}

// "96 H264/90000", "97 MPEG4-GENERIC/16000/2"
func parseRTPMap(v string) (uint8, rtpmap, error) {
	ptStr, rest, ok := strings.Cut(strings.TrimSpace(v), " ")
	if !ok {
		return 0, rtpmap{}, fmt.Errorf("invalid rtpmap %q", v)
	}
	pt, err := strconv.ParseUint(ptStr, 10, 7)
	if err != nil {
		return 0, rtpmap{}, err
	}
	parts := strings.Split(strings.TrimSpace(rest), "/")
	if len(parts) < 2 {
		return 0, rtpmap{}, fmt.Errorf("invalid rtpmap %q", v)
	}
	rm := rtpmap{encoding: parts[0]}
	if rm.clockRate, err = strconv.Atoi(parts[1]); err != nil || rm.clockRate <= 0 {
		return 0, rtpmap{}, fmt.Errorf("invalid clock rate in rtpmap %q", v)
	}
	if len(parts) > 2 {
		if rm.channels, err = strconv.Atoi(parts[2]); err != nil {
			return 0, rtpmap{}, fmt.Errorf("invalid channel count in rtpmap %q", v)
		}
	}
	return uint8(pt), rm, nil
}

// "96 packetization-mode=1;sprop-parameter-sets=Z0IAH5WoFAFuQA==,aM48gA=="
func parseFMTP(v string) (uint8, map[string]string, error) {
	ptStr, rest, ok := strings.Cut(strings.TrimSpace(v), " ")
	if !ok {
		return 0, nil, fmt.Errorf("invalid fmtp %q", v)
	}
	pt, err := strconv.ParseUint(ptStr, 10, 7)
	if err != nil {
		return 0, nil, err
	}
	params := map[string]string{}
	for _, kv := range strings.Split(rest, ";") {
		k, val, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok || k == "" {
			continue
		}
		params[strings.ToLower(k)] = strings.TrimSpace(val)
	}
	return uint8(pt), params, nil
}

func applyFMTP(t *media.Track, params map[string]string) error {
	switch t.Codec {
	case media.CodecH264:
		if sps := params["sprop-parameter-sets"]; sps != "" {
			for _, ps := range strings.Split(sps, ",") {
				nalu, err := base64.StdEncoding.DecodeString(ps)
				if err != nil || len(nalu) == 0 {
					// Cameras sometimes send garbage here; in-band parameter sets still work.
					log.Debugf("Ignoring sprop-parameter-sets entry %q", ps)
					continue
				}
				switch nalu[0] & 0x1F {
				case 7:
					t.SPS = nalu
				case 8:
					t.PPS = nalu
				}
			}
		}
	case media.CodecAAC:
		if cfg := params["config"]; cfg != "" {
			b, err := hex.DecodeString(cfg)
			if err != nil {
				return fmt.Errorf("invalid AAC config %q: %w", cfg, err)
			}
			var asc mpeg4audio.AudioSpecificConfig
			if err := asc.Unmarshal(b); err != nil {
				return fmt.Errorf("invalid AAC config %q: %w", cfg, err)
			}
			t.AACConfig = b
			if t.Channels == 0 {
				t.Channels = asc.ChannelCount
			}
		}
		t.SizeLength = atoiDefault(params["sizelength"], 0)
		t.IndexLength = atoiDefault(params["indexlength"], 0)
		t.IndexDeltaLength = atoiDefault(params["indexdeltalength"], 0)
		if t.SizeLength == 0 {
			if strings.EqualFold(params["mode"], "AAC-lbr") {
				t.SizeLength, t.IndexLength, t.IndexDeltaLength = 6, 2, 2
			} else {
				t.SizeLength, t.IndexLength, t.IndexDeltaLength = 13, 3, 3
			}
		}
	}
	return nil
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// ControlURL resolves a track's a=control against the presentation base URL.
func ControlURL(base, control string) string {
	if control == "" || control == "*" {
		return base
	}
	lc := strings.ToLower(control)
	if strings.HasPrefix(lc, "rtsp://") || strings.HasPrefix(lc, "rtsps://") {
		return control
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + strings.TrimPrefix(control, "/")
}
