package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
	"github.com/hive-corporation/ioc-connectors/internal/core/ports"
)

type recordedCall struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]interface{}
	Raw    string
}

func newRecordingServer(t *testing.T, handler func(w http.ResponseWriter, call recordedCall)) (*httptest.Server, func() []recordedCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []recordedCall
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		call := recordedCall{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			Raw:    string(raw),
		}
		if len(raw) > 0 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			json.Unmarshal(raw, &call.Body)
		}
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()
		handler(w, call)
	}))
	t.Cleanup(server.Close)
	return server, func() []recordedCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedCall(nil), calls...)
	}
}

func TestHTTPPlatform_CreateObservable(t *testing.T) {
	server, calls := newRecordingServer(t, func(w http.ResponseWriter, call recordedCall) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"obs-1"}`))
	})

	p := NewHTTPPlatform(http.DefaultClient, server.URL+"/", "secret", nil)
	id, err := p.CreateObservable(context.Background(), ports.ObservableRequest{
		Kind:      domain.IPv4,
		Value:     "1.2.3.4",
		CreatedBy: "identity-1",
		Markings:  []string{"marking-1"},
		Update:    true,
	})
	if err != nil {
		t.Fatalf("CreateObservable failed: %v", err)
	}
	if id != "obs-1" {
		t.Errorf("id = %q, want obs-1", id)
	}

	got := calls()[0]
	if got.Method != http.MethodPost || got.Path != "/api/v1/observables" {
		t.Errorf("unexpected call %s %s", got.Method, got.Path)
	}
	if got.Auth != "Bearer secret" {
		t.Errorf("Authorization = %q", got.Auth)
	}
	if got.Body["type"] != "IPv4-Addr" || got.Body["value"] != "1.2.3.4" || got.Body["update"] != true {
		t.Errorf("unexpected body %v", got.Body)
	}
}

func TestHTTPPlatform_FindObservable(t *testing.T) {
	tests := []struct {
		name      string
		response  string
		wantID    string
		wantFound bool
	}{
		{"found", `{"data":[{"id":"obs-9"}]}`, "obs-9", true},
		{"not found", `{"data":[]}`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, calls := newRecordingServer(t, func(w http.ResponseWriter, call recordedCall) {
				w.Write([]byte(tt.response))
			})

			p := NewHTTPPlatform(http.DefaultClient, server.URL, "", nil)
			id, found, err := p.FindObservable(context.Background(), domain.Domain, "evil.example")
			if err != nil {
				t.Fatalf("FindObservable failed: %v", err)
			}
			if id != tt.wantID || found != tt.wantFound {
				t.Errorf("got (%q, %v), want (%q, %v)", id, found, tt.wantID, tt.wantFound)
			}
			if q := calls()[0].Query; q != "type=Domain&value=evil.example" {
				t.Errorf("query = %q", q)
			}
		})
	}
}

func TestHTTPPlatform_AttachCalls(t *testing.T) {
	server, calls := newRecordingServer(t, func(w http.ResponseWriter, call recordedCall) {
		w.WriteHeader(http.StatusNoContent)
	})
	p := NewHTTPPlatform(http.DefaultClient, server.URL, "", nil)
	ctx := context.Background()

	if err := p.AddTag(ctx, "obs-1", "tag-1"); err != nil {
		t.Fatal(err)
	}
	if err := p.AddExternalReference(ctx, "obs-1", "ref-1"); err != nil {
		t.Fatal(err)
	}
	if err := p.AddToReport(ctx, "report-1", "obs-1"); err != nil {
		t.Fatal(err)
	}
	if err := p.DeleteObservable(ctx, "obs-1"); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"POST /api/v1/entities/obs-1/tags",
		"POST /api/v1/entities/obs-1/external-references",
		"POST /api/v1/reports/report-1/objects",
		"DELETE /api/v1/observables/obs-1",
	}
	recorded := calls()
	if len(recorded) != len(want) {
		t.Fatalf("got %d calls, want %d", len(recorded), len(want))
	}
	for i, c := range recorded {
		if got := c.Method + " " + c.Path; got != want[i] {
			t.Errorf("call %d = %q, want %q", i, got, want[i])
		}
	}
}

func TestHTTPPlatform_SubmitBundle(t *testing.T) {
	server, calls := newRecordingServer(t, func(w http.ResponseWriter, call recordedCall) {
		w.WriteHeader(http.StatusAccepted)
	})
	p := NewHTTPPlatform(http.DefaultClient, server.URL, "", nil)

	bundle := []byte(`{"type":"bundle","objects":[]}`)
	if err := p.SubmitBundle(context.Background(), bundle, true); err != nil {
		t.Fatalf("SubmitBundle failed: %v", err)
	}

	got := calls()[0]
	if got.Path != "/api/v1/bundles" || got.Query != "update=true" {
		t.Errorf("unexpected call %s?%s", got.Path, got.Query)
	}
	if got.Raw != string(bundle) {
		t.Errorf("bundle body = %q", got.Raw)
	}
}

func TestHTTPPlatform_ErrorStatus(t *testing.T) {
	server, _ := newRecordingServer(t, func(w http.ResponseWriter, call recordedCall) {
		w.WriteHeader(http.StatusForbidden)
	})

	tests := []struct {
		name   string
		client Doer
	}{
		{"plain client", http.DefaultClient},
		{"resilient client", NewResilientClient(time.Second, ResilientClientConfig{})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewHTTPPlatform(tt.client, server.URL, "", nil)
			_, err := p.CreateTag(context.Background(), domain.NewTag("importer", "internal-importer", "#000000"))
			var se *StatusError
			if !errors.As(err, &se) || se.StatusCode != http.StatusForbidden {
				t.Errorf("expected 403 StatusError, got %v", err)
			}
		})
	}
}

func TestHTTPPlatform_MissingID(t *testing.T) {
	server, _ := newRecordingServer(t, func(w http.ResponseWriter, call recordedCall) {
		w.Write([]byte(`{}`))
	})
	p := NewHTTPPlatform(http.DefaultClient, server.URL, "", nil)

	if _, err := p.CreateReport(context.Background(), ports.ReportRequest{Name: "r"}); err == nil {
		t.Error("expected error when the platform returns no id")
	}
}
