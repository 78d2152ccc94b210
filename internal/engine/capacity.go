package engine

// Ledger pairs a trip's fixed capacity with its accepted-participant
// count. The count is always recomputed from active participants inside
// the same atomic unit as the write that depends on it; a Ledger is never
// cached across calls.
type Ledger struct {
	TripID   string
	Capacity int
	Accepted int
}

func (l Ledger) Spare() int { return l.Capacity - l.Accepted }

func (l Ledger) Full() bool { return l.Accepted >= l.Capacity }

// Reserve returns the ledger with one more seat taken, or a
// CapacityExceededError when the trip is already full.
func (l Ledger) Reserve() (Ledger, error) {
	if l.Full() {
		return l, &CapacityExceededError{TripID: l.TripID, Capacity: l.Capacity}
	}
	l.Accepted++
	return l, nil
}
