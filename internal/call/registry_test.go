package call

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRegistryCreateAndLookup(t *testing.T) {
	reg := NewRegistry(0, slog.Default())

	s, err := reg.Create(Params{CallID: "abc", Role: RoleCallee, Media: MediaVideo})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.TransportID == uuid.Nil {
		t.Fatal("expected a transport id to be assigned")
	}

	byTID, err := reg.Lookup(s.TransportID)
	if err != nil || byTID != s {
		t.Fatalf("Lookup: got %v, %v", byTID, err)
	}
	byCall, err := reg.LookupCall("abc")
	if err != nil || byCall != s {
		t.Fatalf("LookupCall: got %v, %v", byCall, err)
	}

	if _, err := reg.Lookup(uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Lookup unknown: got %v, want ErrSessionNotFound", err)
	}
	if _, err := reg.LookupCall("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("LookupCall unknown: got %v, want ErrSessionNotFound", err)
	}
}

func TestRegistryRejectsDuplicateCallID(t *testing.T) {
	reg := NewRegistry(0, slog.Default())

	if _, err := reg.Create(Params{CallID: "dup"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := reg.Create(Params{CallID: "dup"}); !errors.Is(err, ErrSessionExists) {
		t.Errorf("second Create: got %v, want ErrSessionExists", err)
	}
}

func TestRegistryConcurrentCreateSameTransportID(t *testing.T) {
	reg := NewRegistry(0, slog.Default())
	tid := uuid.New()

	const attempts = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dups    int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := reg.Create(Params{TransportID: tid, Role: RoleCallee})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrSessionExists):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want exactly 1", created)
	}
	if dups != attempts-1 {
		t.Errorf("rejected = %d, want %d", dups, attempts-1)
	}
	if reg.Count() != 1 {
		t.Errorf("Count() = %d, want 1", reg.Count())
	}
}

func TestRegistryReleaseRetention(t *testing.T) {
	reg := NewRegistry(30*time.Millisecond, slog.Default())
	defer reg.Close()

	s, _ := reg.Create(Params{CallID: "late"})
	_ = s.Ring()
	s.End(EndReasonCanceled, time.Now())
	reg.Release(s.TransportID)

	if _, err := reg.Lookup(s.TransportID); err != nil {
		t.Fatalf("ended session should stay resolvable during retention: %v", err)
	}
	if reg.Count() != 0 {
		t.Errorf("Count() = %d, ended sessions are not live", reg.Count())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := reg.Lookup(s.TransportID); errors.Is(err, ErrSessionNotFound) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := reg.Lookup(s.TransportID); !errors.Is(err, ErrSessionNotFound) {
		t.Error("expected session to be removed after retention")
	}
	if _, err := reg.LookupCall("late"); !errors.Is(err, ErrSessionNotFound) {
		t.Error("expected call id index to be cleared")
	}

	// The call id can be reused once the old session is gone.
	if _, err := reg.Create(Params{CallID: "late"}); err != nil {
		t.Errorf("Create after removal: %v", err)
	}
}
