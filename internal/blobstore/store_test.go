package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return st
}

func TestMemoryPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	etag, err := st.Put(ctx, "uploads/t-A/1/data.csv", strings.NewReader("a,b\n1,2\n"), PutOptions{ContentType: "text/csv"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if etag == "" {
		t.Fatal("expected non-empty etag")
	}

	rc, err := st.Get(ctx, "uploads/t-A/1/data.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	_ = rc.Close()
	if string(data) != "a,b\n1,2\n" {
		t.Fatalf("unexpected payload: %q", data)
	}

	ok, err := st.Exists(ctx, "uploads/t-A/1/data.csv")
	if err != nil || !ok {
		t.Fatalf("Exists: ok=%v err=%v", ok, err)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.Get(context.Background(), "predictions/t-A/nope.csv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
}

func TestGetBytesEnforcesMax(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if _, err := st.Put(ctx, "predictions/t-A/out.csv", strings.NewReader(strings.Repeat("x", 100)), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := st.GetBytes(ctx, "predictions/t-A/out.csv", 50); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("got %v want ErrTooLarge", err)
	}
	data, err := st.GetBytes(ctx, "predictions/t-A/out.csv", 100)
	if err != nil {
		t.Fatalf("GetBytes: %v", err)
	}
	if len(data) != 100 {
		t.Fatalf("got %d bytes want 100", len(data))
	}
}

func TestPresignGetRequiresObject(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	if _, err := st.PresignGet(ctx, "predictions/t-A/out.csv", time.Minute, "out.csv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
	if _, err := st.Put(ctx, "predictions/t-A/out.csv", strings.NewReader("x"), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	url, err := st.PresignGet(ctx, "predictions/t-A/out.csv", time.Minute, "out.csv")
	if err != nil {
		t.Fatalf("PresignGet: %v", err)
	}
	if !strings.HasPrefix(url, "memory://predictions/t-A/out.csv") {
		t.Fatalf("unexpected url %q", url)
	}
}

func TestKeyValidation(t *testing.T) {
	st := newTestStore(t)
	for _, key := range []string{"", " padded ", "bad\x00key", "ctl\x1fkey"} {
		if _, err := st.Exists(context.Background(), key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("key %q: got %v want ErrInvalidKey", key, err)
		}
	}
}

func TestUploadAndPredictionKeys(t *testing.T) {
	if got := UploadKey("t-A", 42, "my data.csv"); got != "uploads/t-A/42/my_data.csv" {
		t.Fatalf("UploadKey: %q", got)
	}
	if got := PredictionKey("t-A", "abc-123"); got != "predictions/t-A/abc-123.csv" {
		t.Fatalf("PredictionKey: %q", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"customers.csv", "customers.csv"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\x\data.csv`, "data.csv"},
		{"rm -rf `boom`.csv", "rm_-rf_boom.csv"},
		{"a;b|c&d.csv", "abcd.csv"},
		{"\x00\x01\x02", "dataset.csv"},
		{"...", "dataset.csv"},
		{"", "dataset.csv"},
	}
	for _, tc := range cases {
		if got := SanitizeFilename(tc.in); got != tc.want {
			t.Fatalf("SanitizeFilename(%q): got %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestClampPresignTTL(t *testing.T) {
	if got := clampPresignTTL(0); got != maxPresignTTL {
		t.Fatalf("zero ttl: %v", got)
	}
	if got := clampPresignTTL(2 * time.Hour); got != maxPresignTTL {
		t.Fatalf("over-limit ttl: %v", got)
	}
	if got := clampPresignTTL(10 * time.Minute); got != 10*time.Minute {
		t.Fatalf("in-range ttl: %v", got)
	}
}
