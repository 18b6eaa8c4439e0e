package ledger_test

import (
	"context"
	"errors"
	"os"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/okonuma/hanbai/internal/hanbai/ledger"
	"github.com/okonuma/hanbai/internal/hanbai/store"
)

// newTestLedger opens a temporary SQLite database (with migrations applied)
// and returns a ledger backed by it. The DB is closed when the test ends.
func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ledger-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return ledger.New(s.DB())
}

func TestLedger_ClaimNewKey(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	rec, claimed, err := l.Claim(ctx, "idem-1", "pricing.fx_reprice", "hash-a", "t_1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !claimed {
		t.Fatal("expected claimed=true for a fresh key")
	}
	if rec.Status != ledger.StatusInProgress {
		t.Errorf("expected in_progress, got %q", rec.Status)
	}
	if rec.Tool != "pricing.fx_reprice" {
		t.Errorf("tool: %q", rec.Tool)
	}
}

func TestLedger_DoubleClaim(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	first, claimed, err := l.Claim(ctx, "idem-2", "discounts.create", "hash-a", "t_1")
	if err != nil || !claimed {
		t.Fatalf("first Claim: claimed=%v err=%v", claimed, err)
	}

	// Second claim with a different correlation ID must not re-claim and
	// must return the first attempt's record unchanged.
	second, claimed, err := l.Claim(ctx, "idem-2", "discounts.create", "hash-a", "t_2")
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if claimed {
		t.Fatal("expected claimed=false on second claim")
	}
	if second.CorrelationID != first.CorrelationID {
		t.Errorf("existing record changed: correlation %q vs %q", second.CorrelationID, first.CorrelationID)
	}
	if second.Status != ledger.StatusInProgress {
		t.Errorf("expected in_progress, got %q", second.Status)
	}
}

func TestLedger_FinalizeCommitted(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, _, err := l.Claim(ctx, "idem-3", "products.publish", "hash-a", "t_1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := l.Finalize(ctx, "idem-3", ledger.StatusCommitted, "t_1"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	rec, err := l.Get(ctx, "idem-3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != ledger.StatusCommitted {
		t.Errorf("expected committed, got %q", rec.Status)
	}
	if rec.CommittedAt == nil {
		t.Error("expected committed_at to be stamped")
	}
}

func TestLedger_FinalizeUnclaimedKey(t *testing.T) {
	l := newTestLedger(t)

	err := l.Finalize(context.Background(), "never-claimed", ledger.StatusFailed, "t_1")
	if !errors.Is(err, ledger.ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}
}

func TestLedger_DoubleFinalize(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, _, _ = l.Claim(ctx, "idem-4", "pricing.fx_reprice", "hash-a", "t_1")
	if err := l.Finalize(ctx, "idem-4", ledger.StatusFailed, "t_1"); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}

	err := l.Finalize(ctx, "idem-4", ledger.StatusCommitted, "t_2")
	if !errors.Is(err, ledger.ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed on double finalize, got %v", err)
	}

	// The first terminal transition must stick.
	rec, _ := l.Get(ctx, "idem-4")
	if rec.Status != ledger.StatusFailed {
		t.Errorf("expected failed, got %q", rec.Status)
	}
}

func TestLedger_FinalizeRequiresTerminalStatus(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, _, _ = l.Claim(ctx, "idem-5", "pricing.fx_reprice", "hash-a", "t_1")
	if err := l.Finalize(ctx, "idem-5", ledger.StatusInProgress, "t_1"); err == nil {
		t.Fatal("expected error when finalizing with a non-terminal status")
	}
}
