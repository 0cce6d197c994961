package workflow

import "sync"

// Owner names which workflow currently occupies the slot.
type Owner string

const (
	OwnerNone       Owner = ""
	OwnerCollection Owner = "collection"
	OwnerTraining   Owner = "training"
)

// Slot is the process-wide exclusive resource shared by collection and
// training. At most one owner holds it, and a reservation is pending until
// the owner's start operation commits it.
type Slot struct {
	mu      sync.Mutex
	owner   Owner
	token   Token
	pending bool
}

// NewSlot returns an empty slot.
func NewSlot() *Slot {
	return &Slot{}
}

// Lease is a handle on a reservation. Only the current lease can commit or
// release the slot; operations through a superseded lease are no-ops.
type Lease struct {
	slot  *Slot
	owner Owner
	token Token
}

// Reserve claims the slot for owner. A second reservation by the same owner
// while the first is still pending is a conflict; any other occupancy is a
// failed precondition carrying the occupant as state.
func (s *Slot) Reserve(op string, owner Owner) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.owner == OwnerNone:
	case s.owner == owner && s.pending:
		return nil, E(op, KindConflict, describe(s.owner, s.pending), "%s start already in progress", owner)
	default:
		return nil, E(op, KindPreconditionFailed, describe(s.owner, s.pending), "%s is active", s.owner)
	}

	s.owner = owner
	s.token = NewToken()
	s.pending = true
	return &Lease{slot: s, owner: owner, token: s.token}, nil
}

// Holder returns the current occupant and whether its reservation is pending.
func (s *Slot) Holder() (Owner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner, s.pending
}

func describe(owner Owner, pending bool) string {
	if pending {
		return string(owner) + "_starting"
	}
	return string(owner)
}

// Token returns the token minted for this lease.
func (l *Lease) Token() Token {
	return l.token
}

// Commit turns a pending reservation into a held one.
func (l *Lease) Commit() error {
	l.slot.mu.Lock()
	defer l.slot.mu.Unlock()
	if l.slot.token != l.token || l.slot.owner != l.owner {
		return E("workflow.Commit", KindStaleToken, describe(l.slot.owner, l.slot.pending), "lease superseded")
	}
	l.slot.pending = false
	return nil
}

// Release frees the slot if this lease still owns it. It reports whether the
// slot was actually released.
func (l *Lease) Release() bool {
	l.slot.mu.Lock()
	defer l.slot.mu.Unlock()
	if l.slot.token != l.token || l.slot.owner != l.owner {
		return false
	}
	l.slot.owner = OwnerNone
	l.slot.token = Token{}
	l.slot.pending = false
	return true
}
