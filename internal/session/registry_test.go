package session

import "testing"

func TestNewAssignsNonzeroUniqueIDs(t *testing.T) {
	r := NewRegistry()
	seen := make(map[uint64]bool)
	for i := 0; i < 50; i++ {
		s, err := r.New()
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if s.ID == 0 {
			t.Fatal("session ID must never be zero")
		}
		if seen[s.ID] {
			t.Fatalf("duplicate session ID %d", s.ID)
		}
		seen[s.ID] = true
	}
}

func TestNewRespectsCapacity(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < MaxSessions; i++ {
		if _, err := r.New(); err != nil {
			t.Fatalf("New() %d: %v", i, err)
		}
	}
	if _, err := r.New(); err == nil {
		t.Fatal("expected error once the registry is full")
	}
}

func TestGetAndDelete(t *testing.T) {
	r := NewRegistry()
	s, err := r.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.BindPID(s, 4242)

	if got, ok := r.Get(s.ID); !ok || got != s {
		t.Fatal("Get did not return the inserted session")
	}
	if got, ok := r.GetByPID(4242); !ok || got != s {
		t.Fatal("GetByPID did not return the inserted session")
	}

	r.Delete(s.ID)
	if _, ok := r.Get(s.ID); ok {
		t.Fatal("session still present after Delete")
	}
	if _, ok := r.GetByPID(4242); ok {
		t.Fatal("PID mapping still present after Delete")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after delete", r.Len())
	}
}

func TestDeleteUnknownIDIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Delete(12345) // must not panic
}
