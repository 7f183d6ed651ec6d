// Package state holds the building blocks every synchronizer shares: the
// load phase enum, the generation staleness guard, per-action in-flight
// flags, and the logging and observation hooks.
package state

import "fmt"

// Phase is the load state of one synchronized slice.
type Phase uint8

const (
	// PhaseIdle means nothing has been requested yet.
	PhaseIdle Phase = iota
	// PhaseLoading means a read is outstanding.
	PhaseLoading
	// PhaseUnavailable means the wallet session cannot serve reads: no
	// provider, unsupported network, or no account where one is required.
	PhaseUnavailable
	// PhaseNotStarted means the contract reports it has not started yet.
	PhaseNotStarted
	// PhaseReady means the slice holds a complete, current read.
	PhaseReady
	// PhaseFailed means the last read failed. The slice keeps its previous values.
	PhaseFailed
)

var phaseNames = [...]string{"idle", "loading", "unavailable", "not_started", "ready", "failed"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Settled reports whether p is a terminal phase for the current request.
func (p Phase) Settled() bool {
	return p != PhaseIdle && p != PhaseLoading
}
