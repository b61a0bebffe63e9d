package opensearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/swapr/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var gotMethod, gotPath string
	var got history.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New(srv.URL+"/", "swapr-attempts")
	e := history.Event{
		Type:       history.EventRollback,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{ID: "abc", Service: "wolfserve", Outcome: "committed", Kind: "none", Phase: "COMMITTED"},
	}
	if err := s.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/swapr-attempts/_doc/abc" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
	if got.Type != history.EventRollback || got.Record.Service != "wolfserve" {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestOpenSearchSink_NoID(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := New(srv.URL, "idx").Send(context.Background(), history.Event{Type: history.EventUpgrade}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/idx/_doc" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	if err := New(srv.URL, "idx").Send(context.Background(), history.Event{}); err == nil {
		t.Fatal("expected error on 400 response")
	}
}
