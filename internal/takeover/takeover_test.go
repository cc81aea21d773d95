package takeover

import (
	"context"
	"errors"
	"testing"

	"github.com/tandaumarket/marketbot/internal/models"
	"github.com/tandaumarket/marketbot/internal/store"
)

func TestStartStopLifecycle(t *testing.T) {
	st := store.NewInMemoryStore()
	g := NewGate(st)
	ctx := context.Background()

	if g.IsActive(ctx, "u1") {
		t.Error("gate active before any takeover")
	}

	if err := g.Start(ctx, "u1", "admin1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !g.IsActive(ctx, "u1") {
		t.Error("gate not active after start")
	}
	if g.IsActive(ctx, "u2") {
		t.Error("takeover for u1 leaked to u2")
	}

	tk, _ := st.GetTakeover("u1")
	if tk.AdminID != "admin1" || tk.StartedAt == nil {
		t.Errorf("takeover record = %+v", tk)
	}

	if err := g.Stop(ctx, "u1", "admin1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if g.IsActive(ctx, "u1") {
		t.Error("gate still active after stop")
	}
	tk, _ = st.GetTakeover("u1")
	if tk.Active || tk.EndedAt == nil {
		t.Errorf("takeover record after stop = %+v", tk)
	}
}

func TestStopWithoutActiveTakeover(t *testing.T) {
	st := store.NewInMemoryStore()
	g := NewGate(st)
	ctx := context.Background()

	if err := g.Stop(ctx, "u1", "admin1"); !errors.Is(err, models.ErrTakeoverNotActive) {
		t.Errorf("err = %v, want ErrTakeoverNotActive", err)
	}

	// Double stop conflicts the same way.
	if err := g.Start(ctx, "u1", "admin1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := g.Stop(ctx, "u1", "admin1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := g.Stop(ctx, "u1", "admin1"); !errors.Is(err, models.ErrTakeoverNotActive) {
		t.Errorf("second stop err = %v, want ErrTakeoverNotActive", err)
	}
}

func TestSecondAdminWins(t *testing.T) {
	st := store.NewInMemoryStore()
	g := NewGate(st)
	ctx := context.Background()

	if err := g.Start(ctx, "u1", "admin1"); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := g.Start(ctx, "u1", "admin2"); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	tk, _ := st.GetTakeover("u1")
	if tk.AdminID != "admin2" {
		t.Errorf("admin = %s, want last writer admin2", tk.AdminID)
	}
}

func TestMarkWaitingDoesNotActivate(t *testing.T) {
	st := store.NewInMemoryStore()
	g := NewGate(st)
	ctx := context.Background()

	if err := g.MarkWaiting(ctx, "u1"); err != nil {
		t.Fatalf("MarkWaiting failed: %v", err)
	}
	// Waiting means an admin has been requested, not that one is chatting.
	if g.IsActive(ctx, "u1") {
		t.Error("waiting flag activated the gate")
	}
	tk, _ := st.GetTakeover("u1")
	if tk == nil || !tk.WaitingFor {
		t.Errorf("takeover record = %+v, want waiting flag set", tk)
	}

	// An admin picking up activates the gate.
	if err := g.Start(ctx, "u1", "admin1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !g.IsActive(ctx, "u1") {
		t.Error("gate not active after pickup")
	}
}
