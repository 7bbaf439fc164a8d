package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/hive-corporation/ioc-connectors/internal/adapter/exporter"
	"github.com/hive-corporation/ioc-connectors/internal/adapter/platform"
	"github.com/hive-corporation/ioc-connectors/internal/adapter/provider"
	"github.com/hive-corporation/ioc-connectors/internal/adapter/repository"
	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
	"github.com/hive-corporation/ioc-connectors/internal/core/pipeline"
	"github.com/hive-corporation/ioc-connectors/internal/core/ports"
)

const apiToken = "e2e-token"

// fakePlatform serves the platform REST API on top of an in-memory platform.
// The first failFirst requests get a 503.
type fakePlatform struct {
	mem       *platform.MemoryPlatform
	failFirst int32
	requests  atomic.Int32
}

func kindOf(observableType string) domain.IOCKind {
	for _, k := range domain.AllKinds {
		if k.ObservableType() == observableType {
			return k
		}
	}
	return 0
}

func (f *fakePlatform) router() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/identities", f.create(func(ctx context.Context, body map[string]interface{}) (string, error) {
		return f.mem.CreateIdentity(ctx, domain.Identity{ID: str(body, "stix_id"), Name: str(body, "name"), Class: str(body, "class")})
	})).Methods("POST")
	api.HandleFunc("/markings", f.create(func(ctx context.Context, body map[string]interface{}) (string, error) {
		return f.mem.CreateMarking(ctx, domain.Marking{ID: str(body, "stix_id"), DefinitionType: str(body, "definition_type"), Definition: str(body, "definition")})
	})).Methods("POST")
	api.HandleFunc("/tags", f.create(func(ctx context.Context, body map[string]interface{}) (string, error) {
		return f.mem.CreateTag(ctx, domain.Tag{Type: str(body, "type"), Value: str(body, "value"), Color: str(body, "color")})
	})).Methods("POST")
	api.HandleFunc("/external-references", f.create(func(ctx context.Context, body map[string]interface{}) (string, error) {
		return f.mem.CreateExternalReference(ctx, domain.ExternalReference{ID: str(body, "stix_id"), SourceName: str(body, "source_name"), URL: str(body, "url")})
	})).Methods("POST")
	api.HandleFunc("/observables", f.create(func(ctx context.Context, body map[string]interface{}) (string, error) {
		return f.mem.CreateObservable(ctx, ports.ObservableRequest{
			Kind:        kindOf(str(body, "type")),
			Value:       str(body, "value"),
			Description: str(body, "description"),
			CreatedBy:   str(body, "created_by"),
		})
	})).Methods("POST")
	api.HandleFunc("/indicators", f.create(func(ctx context.Context, body map[string]interface{}) (string, error) {
		return f.mem.CreateIndicator(ctx, ports.IndicatorRequest{
			Name:         str(body, "name"),
			Pattern:      str(body, "pattern"),
			ObservableID: str(body, "observable_id"),
		})
	})).Methods("POST")
	api.HandleFunc("/reports", f.create(func(ctx context.Context, body map[string]interface{}) (string, error) {
		return f.mem.CreateReport(ctx, ports.ReportRequest{Name: str(body, "name"), Published: str(body, "published")})
	})).Methods("POST")

	api.HandleFunc("/observables", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		id, found, err := f.mem.FindObservable(r.Context(), kindOf(q.Get("type")), q.Get("value"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data := []map[string]string{}
		if found {
			data = append(data, map[string]string{"id": id})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}).Methods("GET")

	api.HandleFunc("/observables/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := f.mem.DeleteObservable(r.Context(), mux.Vars(r)["id"]); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods("DELETE")

	api.HandleFunc("/entities/{id}/tags", f.link(func(ctx context.Context, id string, body map[string]interface{}) error {
		return f.mem.AddTag(ctx, id, str(body, "tag_id"))
	})).Methods("POST")
	api.HandleFunc("/entities/{id}/external-references", f.link(func(ctx context.Context, id string, body map[string]interface{}) error {
		return f.mem.AddExternalReference(ctx, id, str(body, "external_reference_id"))
	})).Methods("POST")
	api.HandleFunc("/reports/{id}/objects", f.link(func(ctx context.Context, id string, body map[string]interface{}) error {
		return f.mem.AddToReport(ctx, id, str(body, "entity_id"))
	})).Methods("POST")

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+apiToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if f.requests.Add(1) <= f.failFirst {
				http.Error(w, "warming up", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	return r
}

func str(body map[string]interface{}, key string) string {
	s, _ := body[key].(string)
	return s
}

func (f *fakePlatform) create(fn func(ctx context.Context, body map[string]interface{}) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := fn(r.Context(), body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	}
}

func (f *fakePlatform) link(fn func(ctx context.Context, id string, body map[string]interface{}) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fn(r.Context(), mux.Vars(r)["id"], body); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// listFeed serves whatever list is current.
type listFeed struct {
	mu   sync.Mutex
	list []string
}

func (l *listFeed) set(values ...string) {
	l.mu.Lock()
	l.list = values
	l.mu.Unlock()
}

func (l *listFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w.Write([]byte("# test blacklist\n" + strings.Join(l.list, "\n") + "\n"))
}

func newRunner(t *testing.T, platformURL, listURL, statePath string) (*pipeline.Runner, func()) {
	t.Helper()

	store, err := repository.NewBoltStateStore(statePath)
	if err != nil {
		t.Fatalf("open state: %v", err)
	}

	client := platform.NewResilientClient(5*time.Second, platform.ResilientClientConfig{
		EnableCircuitBreaker: true,
		MaxFailures:          10,
		CircuitTimeout:       time.Second,
		MaxRetries:           3,
		InitialInterval:      5 * time.Millisecond,
		MaxInterval:          20 * time.Millisecond,
	})
	plat := platform.NewHTTPPlatform(client, platformURL, apiToken, nil)

	src := provider.NewSimpleListProvider(http.DefaultClient, provider.SimpleListConfig{
		Name:              "talos",
		URL:               listURL,
		Description:       "from talos",
		ReportDescription: "Talos IP blacklist",
	}, nil)

	builder := domain.NewBuilder(domain.RunContext{
		Connector:       "talos",
		Identity:        domain.NewIdentity("Cisco Talos", "organization", ""),
		Markings:        []domain.Marking{domain.NewMarking("TLP", "TLP:WHITE")},
		Tags:            []domain.Tag{domain.NewTag("importer", "talos", "#0000ff")},
		IndicatorLabels: []string{"ipv4-blacklist"},
	})
	publisher := pipeline.NewPublisher(plat, exporter.NewSTIXExporter(), pipeline.PublisherConfig{Update: true}, nil)

	runner := pipeline.NewRunner(pipeline.RunnerConfig{
		Connector:   "talos",
		Interval:    time.Hour,
		PublishMode: pipeline.PublishPerCall,
		DeleteStale: true,
	}, src, store, builder, publisher, nil, nil)

	return runner, func() { store.Close() }
}

func TestConnector_IPListLifecycle(t *testing.T) {
	fake := &fakePlatform{mem: platform.NewMemoryPlatform(), failFirst: 2}
	platformServer := httptest.NewServer(fake.router())
	defer platformServer.Close()

	feed := &listFeed{}
	feed.set("198.51.100.1", "198.51.100.2", "198.51.100.3")
	feedServer := httptest.NewServer(feed)
	defer feedServer.Close()

	statePath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	// First cycle: transient 503s are retried and everything is created.
	runner, closeStore := newRunner(t, platformServer.URL, feedServer.URL, statePath)
	res := runner.RunCycle(ctx)
	closeStore()
	if res.Kind != pipeline.KindNone || res.Published != 3 {
		t.Fatalf("first cycle = %+v", res)
	}
	stats := fake.mem.Stats()
	if stats.Identities != 1 || stats.Observables != 3 || stats.Indicators != 3 || stats.ExternalRefs != 6 || stats.Reports != 1 {
		t.Errorf("after first cycle: %+v", stats)
	}

	// Restart with the persisted snapshot; one value left the list, one joined.
	feed.set("198.51.100.2", "198.51.100.3", "198.51.100.4")
	runner, closeStore = newRunner(t, platformServer.URL, feedServer.URL, statePath)
	res = runner.RunCycle(ctx)
	if res.Kind != pipeline.KindNone || res.Published != 1 || res.Removed != 1 {
		t.Fatalf("second cycle = %+v", res)
	}
	if _, found, _ := fake.mem.FindObservable(ctx, domain.IPv4, "198.51.100.1"); found {
		t.Error("stale observable should have been deleted")
	}
	if _, found, _ := fake.mem.FindObservable(ctx, domain.IPv4, "198.51.100.4"); !found {
		t.Error("new observable missing")
	}

	// Unchanged list: nothing to publish or remove.
	res = runner.RunCycle(ctx)
	closeStore()
	if res.Kind != pipeline.KindNone || res.Published != 0 || res.Removed != 0 {
		t.Errorf("third cycle = %+v", res)
	}
	if got := fake.requests.Load(); got <= fake.failFirst {
		t.Errorf("platform saw %d requests", got)
	}
}

func TestConnector_PlatformDownKeepsState(t *testing.T) {
	fake := &fakePlatform{mem: platform.NewMemoryPlatform(), failFirst: 1 << 20}
	platformServer := httptest.NewServer(fake.router())
	defer platformServer.Close()

	feed := &listFeed{}
	feed.set("198.51.100.9")
	feedServer := httptest.NewServer(feed)
	defer feedServer.Close()

	statePath := filepath.Join(t.TempDir(), "state.db")
	runner, closeStore := newRunner(t, platformServer.URL, feedServer.URL, statePath)
	res := runner.RunCycle(context.Background())
	closeStore()

	if res.Kind != pipeline.KindPublish || res.Persisted {
		t.Fatalf("cycle = %+v, want unpersisted publish failure", res)
	}

	store, err := repository.NewBoltStateStore(statePath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	state, err := store.Load(context.Background(), "talos")
	if err != nil {
		t.Fatal(err)
	}
	if state.LastRunTimestamp != 0 || len(state.Snapshot) != 0 {
		t.Errorf("state should be untouched, got %+v", state)
	}
}
