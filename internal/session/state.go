// Package session orchestrates one migration end to end: discovery,
// connection establishment, the migration phases, pause under memory
// pressure, and reconnection after transport loss.
package session

// State is the session controller's lifecycle position. Completed and
// Cancelled are terminal: a fresh controller is required to migrate
// again.
type State int

const (
	StateInitial State = iota
	StateDiscovery
	StateFetching
	StateWrongPasscode
	StateConnectionEstablished
	StateReadyForMigration
	StateFileMigration
	StateAppMigration
	StatePreferencesMigration
	StateInterrupted
	StateCancelled
	StatePaused
	StateRestoringConnection
	StateCompleting
	StateCompleted
)

var stateNames = [...]string{
	StateInitial:               "initial",
	StateDiscovery:             "discovery",
	StateFetching:              "fetching",
	StateWrongPasscode:         "wrongPasscode",
	StateConnectionEstablished: "connectionEstablished",
	StateReadyForMigration:     "readyForMigration",
	StateFileMigration:         "fileMigration",
	StateAppMigration:          "appMigration",
	StatePreferencesMigration:  "preferencesMigration",
	StateInterrupted:           "interrupted",
	StateCancelled:             "cancelled",
	StatePaused:                "paused",
	StateRestoringConnection:   "restoringConnection",
	StateCompleting:            "completing",
	StateCompleted:             "completed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether the session can never leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// inProgress reports whether a transport failure in s should trigger
// reconnection rather than being ignored.
func (s State) inProgress() bool {
	switch s {
	case StateConnectionEstablished, StateReadyForMigration,
		StateFileMigration, StateAppMigration, StatePreferencesMigration,
		StateCompleting:
		return true
	}
	return false
}
