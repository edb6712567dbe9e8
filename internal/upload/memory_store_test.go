package upload

import (
	"context"
	"errors"
	"testing"
	"time"
)

func create(t *testing.T, st *MemoryStore, tenant string) Upload {
	t.Helper()
	u, err := st.Create(context.Background(), Upload{
		Tenant:    tenant,
		Filename:  "data.csv",
		SizeBytes: 42,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return u
}

func TestCreateAssignsIDAndDefaults(t *testing.T) {
	st := NewMemoryStore()
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	st.SetNow(func() time.Time { return fixed })

	u := create(t, st, "acme")
	if u.ID != 1 {
		t.Fatalf("id %d want 1", u.ID)
	}
	if u.Status != StatusReceived {
		t.Fatalf("status %s want received", u.Status)
	}
	if !u.CreatedAt.Equal(fixed) {
		t.Fatalf("created_at %v", u.CreatedAt)
	}
	if second := create(t, st, "acme"); second.ID != 2 {
		t.Fatalf("second id %d want 2", second.ID)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	st := NewMemoryStore()
	for name, u := range map[string]Upload{
		"no tenant":     {Filename: "data.csv"},
		"no filename":   {Tenant: "acme"},
		"negative size": {Tenant: "acme", Filename: "data.csv", SizeBytes: -1},
	} {
		if _, err := st.Create(context.Background(), u); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: err %v want ErrInvalidInput", name, err)
		}
	}
}

func TestTransitionsStopAtTerminal(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	u := create(t, st, "acme")

	if err := st.MarkParsed(ctx, "acme", u.ID, 7); err != nil {
		t.Fatalf("MarkParsed: %v", err)
	}
	// A late failure report must not rewrite the parsed row.
	if err := st.MarkFailed(ctx, "acme", u.ID); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, err := st.Get(ctx, "acme", u.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusParsed || got.RowCount != 7 {
		t.Fatalf("got status=%s rows=%d want parsed/7", got.Status, got.RowCount)
	}
}

func TestTenantScoping(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	u := create(t, st, "acme")

	if _, err := st.Get(ctx, "globex", u.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant Get err %v want ErrNotFound", err)
	}
	if err := st.SetBlobKey(ctx, "globex", u.ID, "uploads/globex/1/data.csv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant SetBlobKey err %v want ErrNotFound", err)
	}
	if err := st.MarkFailed(ctx, "globex", u.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant MarkFailed err %v want ErrNotFound", err)
	}
	got, err := st.Get(ctx, "acme", u.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusReceived || got.BlobKey != "" {
		t.Fatalf("row mutated across tenants: %+v", got)
	}
}
