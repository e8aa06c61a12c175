package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ktirumal2006/Study-Hub/internal/kvstore"
)

func newTestRegistry() *Registry {
	return New(kvstore.NewMemoryStore())
}

func TestRegisterAndLookup(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "c1", "algebra", "maya", "node-1"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	conn, err := reg.Lookup(ctx, "c1")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if conn.Group != "algebra" || conn.Participant != "maya" || conn.Endpoint != "node-1" {
		t.Errorf("got %+v", conn)
	}
	if !conn.ExpiresAt.After(conn.ConnectedAt) {
		t.Errorf("expiry %v not after connect %v", conn.ExpiresAt, conn.ConnectedAt)
	}
}

func TestLookupMissing(t *testing.T) {
	reg := newTestRegistry()
	if _, err := reg.Lookup(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// Reconnecting with the same id (e.g. a retried connect) must simply
// overwrite the earlier record.
func TestRegisterLastWriteWins(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()

	reg.Register(ctx, "c1", "algebra", "maya", "node-1")
	reg.Register(ctx, "c1", "biology", "maya", "node-2")

	conn, err := reg.Lookup(ctx, "c1")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if conn.Group != "biology" || conn.Endpoint != "node-2" {
		t.Errorf("got %+v, want overwrite to win", conn)
	}
}

func TestRemove(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()

	reg.Register(ctx, "c1", "algebra", "maya", "node-1")
	if err := reg.Remove(ctx, "c1"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if _, err := reg.Lookup(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record survived removal: %v", err)
	}

	// Removing an id that was never registered is a no-op.
	if err := reg.Remove(ctx, "ghost"); err != nil {
		t.Errorf("Remove(absent) error: %v", err)
	}
}

func TestListLive(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()

	reg.Register(ctx, "c1", "algebra", "maya", "node-1")
	reg.Register(ctx, "c2", "algebra", "ben", "node-2")
	reg.Register(ctx, "c3", "biology", "lin", "node-1")

	conns, err := reg.ListLive(ctx, "algebra", "")
	if err != nil {
		t.Fatalf("ListLive() error: %v", err)
	}
	if len(conns) != 2 {
		t.Fatalf("len = %d, want 2", len(conns))
	}

	conns, _ = reg.ListLive(ctx, "algebra", "c1")
	if len(conns) != 1 || conns[0].ID != "c2" {
		t.Errorf("exclusion failed: %+v", conns)
	}

	conns, _ = reg.ListLive(ctx, "chemistry", "")
	if len(conns) != 0 {
		t.Errorf("empty group returned %+v", conns)
	}
}

// A record past its liveness deadline is invisible to ListLive even when
// it was never removed.
func TestListLiveFiltersExpired(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.SetClock(func() time.Time { return base })
	reg.SetTTL(time.Hour)

	reg.Register(ctx, "c1", "algebra", "maya", "node-1")

	reg.SetClock(func() time.Time { return base.Add(30 * time.Minute) })
	conns, _ := reg.ListLive(ctx, "algebra", "")
	if len(conns) != 1 {
		t.Fatalf("live record missing before expiry: %+v", conns)
	}

	reg.SetClock(func() time.Time { return base.Add(2 * time.Hour) })
	conns, _ = reg.ListLive(ctx, "algebra", "")
	if len(conns) != 0 {
		t.Errorf("expired record still listed: %+v", conns)
	}

	// Lookup by id does not apply the expiry filter; only roster
	// enumeration does.
	if _, err := reg.Lookup(ctx, "c1"); err != nil {
		t.Errorf("Lookup() after expiry: %v", err)
	}
}
