// Package gate derives the application phase from the auth session feed
// and the profile document feed.
package gate

type Phase int

const (
	// Initializing lasts until the first definitive answer arrives.
	Initializing Phase = iota
	Unauthenticated
	ProfileIncomplete
	Ready
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "initializing"
	case Unauthenticated:
		return "unauthenticated"
	case ProfileIncomplete:
		return "profile_incomplete"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// Gate is a plain state machine; it is driven from a single goroutine and
// performs no I/O. Every method reports the resulting phase and whether it
// changed. Profile answers for any uid other than the current session's are
// ignored, so a late answer from a torn down subscription cannot move the
// phase.
type Gate struct {
	phase    Phase
	uid      string
	answered bool
}

func New() *Gate {
	return &Gate{phase: Initializing}
}

func (g *Gate) Phase() Phase {
	return g.phase
}

// UID is the identifier of the active session, empty when there is none.
func (g *Gate) UID() string {
	return g.uid
}

func (g *Gate) set(p Phase) (Phase, bool) {
	changed := g.phase != p
	g.phase = p
	return p, changed
}

// SessionStarted records an active session. The phase stays where it was
// until the profile feed answers for uid.
func (g *Gate) SessionStarted(uid string) (Phase, bool) {
	if uid == g.uid {
		return g.phase, false
	}
	g.uid = uid
	g.answered = false
	if g.phase == Ready || g.phase == ProfileIncomplete {
		// Another user on the same device: nothing about the previous
		// profile applies.
		return g.set(Unauthenticated)
	}
	return g.phase, false
}

// SessionEnded records that no session is active.
func (g *Gate) SessionEnded() (Phase, bool) {
	g.uid = ""
	g.answered = false
	return g.set(Unauthenticated)
}

// ProfileObserved records a profile feed snapshot for uid.
func (g *Gate) ProfileObserved(uid string, exists bool) (Phase, bool) {
	if uid == "" || uid != g.uid {
		return g.phase, false
	}
	g.answered = true
	if exists {
		return g.set(Ready)
	}
	return g.set(ProfileIncomplete)
}

// ProfileFailed records a profile feed error for uid. Before the first
// answer the gate resolves to ProfileIncomplete rather than waiting
// forever; afterwards the phase is kept.
func (g *Gate) ProfileFailed(uid string) (Phase, bool) {
	if uid == "" || uid != g.uid || g.answered {
		return g.phase, false
	}
	g.answered = true
	return g.set(ProfileIncomplete)
}
