package protocol

import "time"

// SessionTTL is the fixed lifetime of a session, measured from creation.
// Activity does not extend it.
const SessionTTL = 300 * time.Second

// Stage identifies one of the three protocol steps.
type Stage int

const (
	// StageAlice transmits the qubit and creates the session.
	StageAlice Stage = iota + 1
	// StageBob performs entanglement swapping.
	StageBob
	// StageCharlie collapses the wavefunction and consumes the session.
	StageCharlie
)

func (s Stage) String() string {
	switch s {
	case StageAlice:
		return "alice"
	case StageBob:
		return "bob"
	case StageCharlie:
		return "charlie"
	default:
		return "unknown"
	}
}

// State is the descriptive label of a session, derived from its stage flags.
type State string

const (
	StateInitialized           State = "initialized"
	StateQubitTransmitted      State = "qubit_transmitted"
	StateEntanglementSwapped   State = "entanglement_swapped"
	StateWavefunctionCollapsed State = "wavefunction_collapsed"
)

// Session is one run of the three-stage protocol.
type Session struct {
	ID         string
	CreatedAt  time.Time
	Stage1Done bool
	Stage2Done bool
	Stage3Done bool
	State      State
}

// stateFor mirrors the highest completed stage.
func stateFor(s Session) State {
	switch {
	case s.Stage3Done:
		return StateWavefunctionCollapsed
	case s.Stage2Done:
		return StateEntanglementSwapped
	case s.Stage1Done:
		return StateQubitTransmitted
	default:
		return StateInitialized
	}
}

// Snapshot is the read-only view returned by status queries. It never carries fragments.
type Snapshot struct {
	ID         string
	Stage1Done bool
	Stage2Done bool
	Stage3Done bool
	State      State
	Remaining  time.Duration
}
