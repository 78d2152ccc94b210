package engine

import (
	"errors"
	"testing"
)

func TestLedgerReserve(t *testing.T) {
	l := Ledger{TripID: "t1", Capacity: 2}
	if l.Full() || l.Spare() != 2 {
		t.Fatalf("fresh ledger = %+v", l)
	}
	l, err := l.Reserve()
	if err != nil || l.Accepted != 1 {
		t.Fatalf("first reserve: %+v err=%v", l, err)
	}
	l, err = l.Reserve()
	if err != nil || !l.Full() {
		t.Fatalf("second reserve: %+v err=%v", l, err)
	}

	_, err = l.Reserve()
	var cee *CapacityExceededError
	if !errors.As(err, &cee) {
		t.Fatalf("got %v, want CapacityExceededError", err)
	}
	if cee.TripID != "t1" || cee.Capacity != 2 {
		t.Fatalf("error = %+v", cee)
	}
}
