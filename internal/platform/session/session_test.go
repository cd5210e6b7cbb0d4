package session

import (
	"testing"
	"time"
)

func TestCreateAndGet(t *testing.T) {
	store := NewStore(time.Hour)
	sess := store.Create("user-1", "state")

	got := store.Get(sess.ID)
	if got == nil {
		t.Fatal("expected session")
	}
	if got.Subject != "user-1" || got.Value.(string) != "state" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if store.Get("no-such-id") != nil {
		t.Fatal("expected nil for unknown id")
	}
}

func TestGetExpiresAndEvicts(t *testing.T) {
	var evicted []string
	store := NewStore(10*time.Millisecond, WithEvictFunc(func(s *Session) {
		evicted = append(evicted, s.ID)
	}))
	sess := store.Create("user-1", nil)

	time.Sleep(20 * time.Millisecond)
	if store.Get(sess.ID) != nil {
		t.Fatal("expected expired session to be gone")
	}
	if len(evicted) != 1 || evicted[0] != sess.ID {
		t.Fatalf("evict callback not run: %v", evicted)
	}
}

func TestGetRefreshesExpiry(t *testing.T) {
	store := NewStore(30 * time.Millisecond)
	sess := store.Create("user-1", nil)

	for i := 0; i < 4; i++ {
		time.Sleep(15 * time.Millisecond)
		if store.Get(sess.ID) == nil {
			t.Fatal("session expired despite regular access")
		}
	}
}

func TestDeleteRunsEvict(t *testing.T) {
	var evicted int
	store := NewStore(time.Hour, WithEvictFunc(func(*Session) { evicted++ }))
	sess := store.Create("user-1", nil)

	if !store.Delete(sess.ID) {
		t.Fatal("expected delete to report existing session")
	}
	if store.Delete(sess.ID) {
		t.Fatal("expected second delete to report missing session")
	}
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
}

func TestBySubjectNewestFirst(t *testing.T) {
	store := NewStore(time.Hour)
	a := store.Create("user-1", nil)
	time.Sleep(time.Millisecond)
	b := store.Create("user-1", nil)
	store.Create("user-2", nil)

	got := store.BySubject("user-1")
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(got))
	}
	if got[0].ID != b.ID || got[1].ID != a.ID {
		t.Fatal("sessions not ordered newest first")
	}
}

func TestCleanup(t *testing.T) {
	store := NewStore(10 * time.Millisecond)
	store.Create("user-1", nil)
	store.Create("user-2", nil)

	time.Sleep(20 * time.Millisecond)
	store.Cleanup()
	if store.Len() != 0 {
		t.Fatalf("expected empty store after cleanup, got %d", store.Len())
	}
}
