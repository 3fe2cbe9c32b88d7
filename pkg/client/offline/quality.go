package offline

import "time"

type Quality int

const (
	Offline Quality = iota
	Poor
	Online
)

// PoorRTT is the round-trip time above which a connection counts as poor.
const PoorRTT = 1000 * time.Millisecond

func (q Quality) String() string {
	switch q {
	case Offline:
		return "offline"
	case Poor:
		return "poor"
	case Online:
		return "online"
	}
	return "unknown"
}

// Unreachable grades a failed round trip. It is Offline when the device has no
// network and Poor when the network is up but the server did not answer.
func Unreachable(err error) Quality {
	if IsNetworkDown(err) {
		return Offline
	}
	return Poor
}

// Classify derives connection quality from the device's network signal and the
// result of a round trip to the server.
func Classify(networkUp bool, rtt time.Duration, probeErr error) Quality {
	if !networkUp {
		return Offline
	}
	if probeErr != nil || rtt > PoorRTT {
		return Poor
	}
	return Online
}
