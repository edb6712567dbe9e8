package events

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
	}{
		{
			name: "unsupported driver",
			cfg:  Config{Driver: "unknown"},
		},
		{
			name: "kafka missing brokers",
			cfg:  Config{Driver: DriverKafka, Topic: "churn.events"},
		},
		{
			name: "kafka missing topic",
			cfg:  Config{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e, err := New(tc.cfg)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if e != nil {
				t.Fatalf("expected nil emitter on error")
			}
		})
	}
}

func TestStdioEmitterWritesJSONLines(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	e, err := New(Config{Driver: DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = e.Close() }()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := Event{
		Type:         TypePredictionCompleted,
		Tenant:       "acme",
		UploadID:     42,
		PredictionID: "4f6c5f14-9af0-4bba-9c8a-0f1f9f3c2a71",
		At:           at,
	}
	if err := e.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	line := out.Bytes()
	if len(line) == 0 || line[len(line)-1] != '\n' {
		t.Fatalf("output not newline terminated: %q", line)
	}
	var got Event
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatalf("decode emitted event: %v", err)
	}
	if got != ev {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, ev)
	}
}

func TestStdioEmitterStampsMissingTime(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	e, err := New(Config{Driver: DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Emit(context.Background(), Event{Type: TypeUploadReceived, Tenant: "acme"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	var got Event
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode emitted event: %v", err)
	}
	if got.At.IsZero() {
		t.Fatal("emitter did not stamp event time")
	}
}

func TestEmitRejectsIncompleteEvents(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	e, err := New(Config{Driver: DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []Event{
		{Tenant: "acme"},
		{Type: TypeUploadAccepted},
	}
	for _, ev := range cases {
		if err := e.Emit(context.Background(), ev); err == nil {
			t.Fatalf("expected validation error for %+v", ev)
		}
	}
	if out.Len() != 0 {
		t.Fatalf("rejected events were written: %q", out.String())
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "  ", want: nil},
		{in: "a,b", want: []string{"a", "b"}},
		{in: " a , ,b ", want: []string{"a", "b"}},
	}
	for _, tc := range cases {
		got := SplitCommaList(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("SplitCommaList(%q) = %#v want %#v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("SplitCommaList(%q) = %#v want %#v", tc.in, got, tc.want)
			}
		}
	}
}

func TestKafkaTLSEnabled(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  bool
	}{
		{name: "unset", value: "", want: false},
		{name: "false", value: "false", want: false},
		{name: "true", value: "true", want: true},
		{name: "one", value: "1", want: true},
		{name: "case and space", value: "  On  ", want: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(envKafkaTLS, tc.value)
			if got := kafkaTLSEnabled(); got != tc.want {
				t.Fatalf("kafkaTLSEnabled(%q) = %t, want %t", tc.value, got, tc.want)
			}
		})
	}
}
