package rtsp

import "fmt"

type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateNegotiatingOptions
	StateDescribing
	StateSettingUpTracks
	StatePlaying
	StateTearingDown
	// Entered on a fatal error. Only Disconnect leaves it.
	StateError
)

var stateNames = [...]string{
	StateDisconnected:       "Disconnected",
	StateConnecting:         "Connecting",
	StateNegotiatingOptions: "NegotiatingOptions",
	StateDescribing:         "Describing",
	StateSettingUpTracks:    "SettingUpTracks",
	StatePlaying:            "Playing",
	StateTearingDown:        "TearingDown",
	StateError:              "Error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}
