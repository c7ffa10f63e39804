package realtime

// State is the lifecycle state of the managed connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateAuthFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateAuthFailed:
		return "auth_failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is the externally visible connection state.
type Status struct {
	State   State
	Attempt int
	// LastError is the error that caused the most recent transition out of
	// Connected or Connecting, if any.
	LastError error
}

func (s Status) Connected() bool {
	return s.State == StateConnected
}

type event int

const (
	eventStart event = iota
	eventNoToken
	eventHandshakeOK
	eventTransportError
	eventAuthError
	eventStop
	eventClose
)

// next applies ev to s. maxAttempts bounds consecutive reconnect attempts;
// once reached a transport error leaves the connection Disconnected.
func (s Status) next(ev event, err error, maxAttempts int) Status {
	switch ev {
	case eventStart:
		return Status{State: StateConnecting}
	case eventNoToken:
		return Status{State: StateDisconnected, LastError: err}
	case eventHandshakeOK:
		return Status{State: StateConnected}
	case eventTransportError:
		if s.State == StateClosed || s.State == StateAuthFailed {
			return s
		}
		if s.Attempt >= maxAttempts {
			return Status{State: StateDisconnected, Attempt: s.Attempt, LastError: err}
		}
		return Status{State: StateReconnecting, Attempt: s.Attempt + 1, LastError: err}
	case eventAuthError:
		if s.State == StateClosed {
			return s
		}
		return Status{State: StateAuthFailed, Attempt: s.Attempt, LastError: err}
	case eventStop:
		if s.State == StateClosed {
			return s
		}
		return Status{State: StateDisconnected, Attempt: s.Attempt, LastError: s.LastError}
	case eventClose:
		return Status{State: StateClosed}
	default:
		return s
	}
}
