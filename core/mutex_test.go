package core

import (
	"errors"
	"testing"
)

func TestMutexStateMachine(t *testing.T) {
	a, b := &SPISlave{}, &SPISlave{}
	var m Mutex

	if m.Owner() != nil {
		t.Fatalf("Expected zero mutex to be unlocked")
	}

	if err := m.Lock(a); err != nil {
		t.Fatalf("Lock(a) failed: %v", err)
	}
	if m.Owner() != Peripheral(a) {
		t.Errorf("Expected owner a, got %v", m.Owner())
	}

	// Locked(a): every further lock fails and changes nothing
	if err := m.Lock(b); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy locking b, got %v", err)
	}
	if err := m.Lock(a); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy re-locking a, got %v", err)
	}
	if !m.Holds(a) || m.Holds(b) {
		t.Errorf("Expected a to still hold the lock")
	}

	if err := m.Unlock(b); !errors.Is(err, ErrLockMismatch) {
		t.Errorf("Expected ErrLockMismatch unlocking with b, got %v", err)
	}
	if err := m.Unlock(a); err != nil {
		t.Fatalf("Unlock(a) failed: %v", err)
	}
	if m.Owner() != nil {
		t.Errorf("Expected unlocked after Unlock(a)")
	}

	if err := m.Unlock(a); !errors.Is(err, ErrLockMismatch) {
		t.Errorf("Expected ErrLockMismatch unlocking free mutex, got %v", err)
	}

	if err := m.Lock(b); err != nil {
		t.Errorf("Lock(b) after release failed: %v", err)
	}
}
