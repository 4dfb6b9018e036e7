package transport

import (
	"errors"
	"fmt"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/headers"
	"strings"
)

// Highest interleaved channel id a TPKT header can carry.
const maxChannel = 255

type Protocol uint8

const (
	UDP Protocol = iota
	TCP
)

func (p Protocol) String() string {
	if p == TCP {
		return "TCP"
	}
	return "UDP"
}

// Preference selects which lower transport is offered first.
type Preference string

const (
	PreferAuto Preference = "auto" // interleaved first, UDP fallback
	PreferTCP  Preference = "tcp"  // interleaved only
	PreferUDP  Preference = "udp"  // UDP first, interleaved fallback
)

var (
	ErrInvalid     = errors.New("invalid Transport header")
	ErrNotOffered  = errors.New("server chose a transport that was not offered")
	ErrNoTransport = errors.New("no acceptable transport")
)

// Spec is one entry of an RTSP Transport header (RFC 2326 section 12.39).
// Interleaved is meaningful for TCP, the port pairs for UDP. Mode is
// lower case, "play" or "record".
type Spec struct {
	Protocol    Protocol
	Unicast     bool
	Interleaved [2]int
	ClientPorts [2]int
	ServerPorts [2]int
	SSRC        uint32
	HasSSRC     bool
	Mode        string
}

// header is the wire form of s.
func (s Spec) header() headers.Transport {
	h := headers.Transport{}
	delivery := headers.TransportDeliveryMulticast
	if s.Unicast {
		delivery = headers.TransportDeliveryUnicast
	}
	h.Delivery = &delivery
	if s.Protocol == TCP {
		h.Protocol = headers.TransportProtocolTCP
		ids := s.Interleaved
		h.InterleavedIDs = &ids
	} else {
		h.Protocol = headers.TransportProtocolUDP
		if s.ClientPorts[0] != 0 {
			ports := s.ClientPorts
			h.ClientPorts = &ports
		}
		if s.ServerPorts[0] != 0 {
			ports := s.ServerPorts
			h.ServerPorts = &ports
		}
	}
	if s.HasSSRC {
		ssrc := s.SSRC
		h.SSRC = &ssrc
	}
	if s.Mode != "" {
		mode := headers.TransportModePlay
		if s.Mode != mode.String() {
			mode = headers.TransportModeRecord
		}
		h.Mode = &mode
	}
	return h
}

func (s Spec) String() string {
	return s.header().Marshal()[0]
}

// Offers lists the transports acceptable for the track with the given index, most wanted first.
// Interleaved channels are 2*index and 2*index+1. UDP is only offered when udpPorts is set.
func Offers(index int, pref Preference, udpPorts [2]int) []Spec {
	tcp := Spec{Protocol: TCP, Unicast: true, Interleaved: [2]int{2 * index, 2*index + 1}}
	udp := Spec{Protocol: UDP, Unicast: true, ClientPorts: udpPorts}
	hasUDP := udpPorts[0] != 0
	switch {
	case pref == PreferTCP || !hasUDP:
		return []Spec{tcp}
	case pref == PreferUDP:
		return []Spec{udp, tcp}
	default:
		return []Spec{tcp, udp}
	}
}

// Header renders offers as a Transport request header value.
func Header(offers []Spec) string {
	hs := make(headers.Transports, len(offers))
	for i, o := range offers {
		hs[i] = o.header()
	}
	return hs.Marshal()[0]
}

// Parse reads the transport chosen by the server. Only the first
// entry of a comma separated list is considered.
func Parse(value string) (Spec, error) {
	value, _, _ = strings.Cut(strings.TrimSpace(value), ",")
	var h headers.Transport
	if err := h.Unmarshal(base.HeaderValue{normalize(value)}); err != nil {
		return Spec{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	// RFC 2326 makes multicast the default but no camera relies on it.
	s := Spec{Unicast: h.Delivery == nil || *h.Delivery == headers.TransportDeliveryUnicast}
	if h.Protocol == headers.TransportProtocolTCP {
		s.Protocol = TCP
		if h.InterleavedIDs != nil {
			if h.InterleavedIDs[0] > maxChannel || h.InterleavedIDs[1] > maxChannel {
				return Spec{}, fmt.Errorf("%w: interleaved channels %v", ErrInvalid, *h.InterleavedIDs)
			}
			s.Interleaved = *h.InterleavedIDs
		}
	}
	if h.ClientPorts != nil {
		s.ClientPorts = *h.ClientPorts
	}
	if h.ServerPorts != nil {
		s.ServerPorts = *h.ServerPorts
	}
	if h.SSRC != nil {
		s.SSRC, s.HasSSRC = *h.SSRC, true
	}
	if h.Mode != nil {
		s.Mode = h.Mode.String()
	}
	return s, nil
}

// normalize upper-cases the profile and lower-cases parameter names, which
// some cameras get wrong. Addresses are dropped: source may be a host name
// and nothing here needs it resolved.
func normalize(value string) string {
	params := strings.Split(value, ";")
	out := []string{strings.ToUpper(strings.TrimSpace(params[0]))}
	for _, p := range params[1:] {
		k, v, found := strings.Cut(strings.TrimSpace(p), "=")
		k = strings.ToLower(k)
		switch {
		case k == "" || k == "source" || k == "destination":
			continue
		case found:
			out = append(out, k+"="+v)
		default:
			out = append(out, k)
		}
	}
	return strings.Join(out, ";")
}

// Match checks the server's choice against what was offered and fills in
// what the server left out from the matching offer.
func Match(offers []Spec, chosen Spec) (Spec, error) {
	for _, o := range offers {
		if o.Protocol != chosen.Protocol {
			continue
		}
		if !chosen.Unicast {
			break
		}
		if chosen.Protocol == TCP {
			if chosen.Interleaved == [2]int{} && o.Interleaved != [2]int{} {
				chosen.Interleaved = o.Interleaved
			}
		} else if chosen.ClientPorts[0] == 0 {
			chosen.ClientPorts = o.ClientPorts
		}
		return chosen, nil
	}
	return Spec{}, fmt.Errorf("%w: %s", ErrNotOffered, chosen)
}
