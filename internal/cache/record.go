package cache

import "time"

// State is the lifecycle position of a tile record. Transitions are
// monotonic along Missing -> Pending -> (Ready | Failed); a Failed
// record may re-enter Pending once its backoff has elapsed.
type State int

const (
	StateMissing State = iota
	StatePending
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Record is a snapshot of one tile's state. Data is only set for Ready
// records; Err and RetryAfter only for Failed ones.
type Record struct {
	State      State
	Data       []byte
	LastAccess time.Time
	Err        error
	RetryAfter time.Time
}

// Failed download retry backoff: doubles per consecutive failure,
// starting at retryBaseDelay and capped at retryMaxDelay.
const (
	retryBaseDelay = 5 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

func backoffDelay(failures int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return d
}
