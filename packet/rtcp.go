package packet

import (
	"github.com/pion/rtcp"
	"time"
)

// Seconds between the NTP epoch (1900) and the Unix epoch (1970).
const ntpEpochOffset = 2208988800

// ParseSenderReports decodes a compound RTCP packet and returns the sender reports it carries.
// Other packet types (SDES, BYE, ...) are skipped.
func ParseSenderReports(buf []byte) ([]*rtcp.SenderReport, error) {
	pkts, err := rtcp.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	var srs []*rtcp.SenderReport
	for _, p := range pkts {
		if sr, ok := p.(*rtcp.SenderReport); ok {
			srs = append(srs, sr)
		}
	}
	return srs, nil
}

// NTPToTime converts a 64-bit NTP timestamp (32.32 fixed point) to wall-clock time.
func NTPToTime(ntp uint64) time.Time {
	secs := int64(ntp>>32) - ntpEpochOffset
	frac := ntp & 0xFFFFFFFF
	nsec := int64((frac * uint64(time.Second)) >> 32)
	return time.Unix(secs, nsec).UTC()
}

// TimeToNTP is the inverse of NTPToTime.
func TimeToNTP(t time.Time) uint64 {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return secs<<32 | frac
}

// MiddleNTP returns the middle 32 bits of an NTP timestamp, as used by the LSR field of receiver reports.
func MiddleNTP(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}
