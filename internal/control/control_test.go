package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/FranksOps/sqlisentinel/internal/scanner"
)

func TestManager_StartScan_RejectsConcurrent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("<html></html>"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	dir := t.TempDir()
	prevWD, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(prevWD)

	m := NewManager(nil)
	opts := scanner.Options{StartURL: ts.URL, MaxDepth: 1, BooleanRounds: 1}

	started, err := m.StartScan(context.Background(), opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !started {
		t.Fatal("expected the first StartScan to begin running")
	}

	started2, err := m.StartScan(context.Background(), opts)
	if err != nil {
		t.Fatalf("unexpected error on second StartScan: %v", err)
	}
	if started2 {
		t.Error("expected a concurrent StartScan to be rejected while a scan is running")
	}

	deadline := time.Now().Add(5 * time.Second)
	for m.Status().Running && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.Status().Running {
		t.Fatal("scan did not complete in time")
	}
}

func TestManager_StartScan_InvalidSeed(t *testing.T) {
	m := NewManager(nil)
	started, err := m.StartScan(context.Background(), scanner.Options{StartURL: "not-a-valid-url"})
	if started {
		t.Error("expected StartScan to refuse an invalid seed")
	}
	if err == nil {
		t.Error("expected an error for an invalid seed")
	}
	if m.Status().Running {
		t.Error("expected state to revert to Idle after a validation failure")
	}
}

func TestManager_Status_InitiallyIdle(t *testing.T) {
	m := NewManager(nil)
	st := m.Status()
	if st.Running {
		t.Error("expected a fresh Manager to be idle")
	}
	if st.State != "Idle" {
		t.Errorf("expected state Idle, got %s", st.State)
	}
}

func TestManager_Results_EmptyBeforeScan(t *testing.T) {
	m := NewManager(nil)
	rv := m.Results()
	if rv.Count != 0 {
		t.Errorf("expected 0 results before any scan, got %d", rv.Count)
	}
}

func TestManager_Events_ReceivesUpdates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html></html>"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	dir := t.TempDir()
	prevWD, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(prevWD)

	m := NewManager(nil)
	opts := scanner.Options{StartURL: ts.URL, MaxDepth: 1, BooleanRounds: 1}

	if _, err := m.StartScan(context.Background(), opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case ev := <-m.Events():
		if ev.Type != "update" {
			t.Errorf("expected update event, got %s", ev.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected at least one event within timeout")
	}
}
