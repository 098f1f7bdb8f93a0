package peer

// LinkState tracks one peer link through negotiation.
//
//	New ──> Offering  ──> Connected ──> Closed
//	New ──> Answering ──> Connected ──> Closed
//
// Closed is terminal; a failed link is closed and replaced by a fresh one on
// the next roster event, never resumed.
type LinkState int32

const (
	StateNew LinkState = iota
	StateOffering
	StateAnswering
	StateConnected
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
