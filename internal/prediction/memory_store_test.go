package prediction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) (*MemoryStore, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := NewMemoryStore()
	st.SetNow(func() time.Time { return now })
	return st, &now
}

func createQueued(t *testing.T, st *MemoryStore, tenant string) Prediction {
	t.Helper()
	p := Prediction{
		ID:       uuid.NewString(),
		UploadID: 1,
		Tenant:   tenant,
		Status:   StatusQueued,
	}
	if err := st.Create(context.Background(), p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	st, _ := newTestStore(t)
	p := createQueued(t, st, "t-A")

	err := st.Create(context.Background(), Prediction{
		ID:       p.ID,
		UploadID: 2,
		Tenant:   "t-A",
		Status:   StatusQueued,
	})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("err %v want ErrDuplicateID", err)
	}
}

func TestAcquireFromQueued(t *testing.T) {
	st, _ := newTestStore(t)
	p := createQueued(t, st, "t-A")
	ctx := context.Background()

	ok, err := st.Acquire(ctx, p.ID, "worker-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	got, err := st.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != StatusRunning || got.WorkerID != "worker-1" || got.HeartbeatAt == nil {
		t.Fatalf("unexpected row after acquire: %+v", got)
	}
}

func TestAcquireRaceHasOneWinner(t *testing.T) {
	st, _ := newTestStore(t)
	p := createQueued(t, st, "t-A")
	ctx := context.Background()

	ok1, err := st.Acquire(ctx, p.ID, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	ok2, err := st.Acquire(ctx, p.ID, "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if !ok1 || ok2 {
		t.Fatalf("expected exactly one winner: ok1=%v ok2=%v", ok1, ok2)
	}
}

func TestAcquireReclaimsStaleRunning(t *testing.T) {
	st, now := newTestStore(t)
	p := createQueued(t, st, "t-A")
	ctx := context.Background()

	if ok, _ := st.Acquire(ctx, p.ID, "worker-1", time.Minute); !ok {
		t.Fatal("first acquire failed")
	}

	// A fresh heartbeat blocks reclamation.
	*now = now.Add(30 * time.Second)
	if ok, _ := st.Acquire(ctx, p.ID, "worker-2", time.Minute); ok {
		t.Fatal("acquired despite fresh heartbeat")
	}

	// Past the stale window the row is reclaimable (crashed worker).
	*now = now.Add(2 * time.Minute)
	ok, err := st.Acquire(ctx, p.ID, "worker-2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}
	got, _ := st.GetByID(ctx, p.ID)
	if got.WorkerID != "worker-2" {
		t.Fatalf("worker id not transferred: %q", got.WorkerID)
	}
}

func TestCompleteRequiresOwnership(t *testing.T) {
	st, _ := newTestStore(t)
	p := createQueued(t, st, "t-A")
	ctx := context.Background()

	if ok, _ := st.Acquire(ctx, p.ID, "worker-1", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	params := CompleteParams{
		OutputBlobKey: "predictions/t-A/" + p.ID + ".csv",
		RowsProcessed: 3,
		Metrics:       map[string]any{MetricRowCount: int64(3)},
	}
	if ok, _ := st.Complete(ctx, p.ID, "worker-2", params); ok {
		t.Fatal("non-owner completed")
	}
	ok, err := st.Complete(ctx, p.ID, "worker-1", params)
	if err != nil || !ok {
		t.Fatalf("Complete: ok=%v err=%v", ok, err)
	}

	got, _ := st.GetByID(ctx, p.ID)
	if got.Status != StatusCompleted || got.OutputBlobKey == "" || got.RowsProcessed == nil || *got.RowsProcessed != 3 {
		t.Fatalf("unexpected completed row: %+v", got)
	}

	// Terminal rows never transition again.
	if ok, _ := st.Fail(ctx, p.ID, "late failure"); ok {
		t.Fatal("failed a completed prediction")
	}
	if ok, _ := st.Acquire(ctx, p.ID, "worker-3", 0); ok {
		t.Fatal("acquired a completed prediction")
	}
}

func TestFailFromNonTerminal(t *testing.T) {
	st, _ := newTestStore(t)
	p := createQueued(t, st, "t-A")
	ctx := context.Background()

	ok, err := st.Fail(ctx, p.ID, "validation: missing required column: MonthlyCharges")
	if err != nil || !ok {
		t.Fatalf("Fail: ok=%v err=%v", ok, err)
	}
	got, _ := st.GetByID(ctx, p.ID)
	if got.Status != StatusFailed || got.ErrorMessage == "" {
		t.Fatalf("unexpected failed row: %+v", got)
	}

	if _, err := st.Fail(ctx, p.ID, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty message: got %v want ErrInvalidInput", err)
	}
}

func TestTenantScopedGet(t *testing.T) {
	st, _ := newTestStore(t)
	p := createQueued(t, st, "t-A")
	ctx := context.Background()

	if _, err := st.Get(ctx, "t-B", p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant get: got %v want ErrNotFound", err)
	}
	if _, err := st.Get(ctx, "t-A", p.ID); err != nil {
		t.Fatalf("same-tenant get: %v", err)
	}
}

func TestListRecentFiltersAndLimits(t *testing.T) {
	st, now := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		createQueued(t, st, "t-A")
		*now = now.Add(time.Second)
	}
	createQueued(t, st, "t-B")

	got, err := st.ListRecent(ctx, "t-A", 20)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(got) != 20 {
		t.Fatalf("got %d rows want 20", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.After(got[i-1].CreatedAt) {
			t.Fatal("not sorted by created_at desc")
		}
	}
	for _, p := range got {
		if p.Tenant != "t-A" {
			t.Fatalf("foreign tenant row in list: %+v", p)
		}
	}
}

func TestHeartbeatRequiresOwnership(t *testing.T) {
	st, _ := newTestStore(t)
	p := createQueued(t, st, "t-A")
	ctx := context.Background()

	if ok, _ := st.Heartbeat(ctx, p.ID, "worker-1"); ok {
		t.Fatal("heartbeat on queued row")
	}
	if ok, _ := st.Acquire(ctx, p.ID, "worker-1", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	if ok, _ := st.Heartbeat(ctx, p.ID, "worker-2"); ok {
		t.Fatal("heartbeat by non-owner")
	}
	if ok, err := st.Heartbeat(ctx, p.ID, "worker-1"); err != nil || !ok {
		t.Fatalf("owner heartbeat: ok=%v err=%v", ok, err)
	}
}
