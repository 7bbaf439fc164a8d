package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
	"github.com/hive-corporation/ioc-connectors/internal/core/ports"
)

// MemoryPlatform is an in-process platform used for dry runs and tests.
// Creates are idempotent on the natural key of each entity.
type MemoryPlatform struct {
	mu sync.Mutex

	nextID      int
	identities  map[string]domain.Identity
	markings    map[string]domain.Marking
	tags        map[string]domain.Tag
	observables map[string]ports.ObservableRequest
	obsByKey    map[domain.IOCKey]string
	indicators  map[string]ports.IndicatorRequest
	extRefs     map[string]domain.ExternalReference
	reports     map[string]ports.ReportRequest
	links       map[string][]string // entity id -> tag and reference ids
	reportObjs  map[string][]string
	bundles     [][]byte
	keyIDs      map[string]string
	calls       int

	failures map[string]error
}

var _ ports.Platform = (*MemoryPlatform)(nil)

func NewMemoryPlatform() *MemoryPlatform {
	return &MemoryPlatform{
		identities:  make(map[string]domain.Identity),
		markings:    make(map[string]domain.Marking),
		tags:        make(map[string]domain.Tag),
		observables: make(map[string]ports.ObservableRequest),
		obsByKey:    make(map[domain.IOCKey]string),
		indicators:  make(map[string]ports.IndicatorRequest),
		extRefs:     make(map[string]domain.ExternalReference),
		reports:     make(map[string]ports.ReportRequest),
		links:       make(map[string][]string),
		reportObjs:  make(map[string][]string),
		keyIDs:      make(map[string]string),
		failures:    make(map[string]error),
	}
}

// FailOn makes every later call of op ("CreateObservable", "SubmitBundle"...)
// return err. A nil err clears the failure.
func (m *MemoryPlatform) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MemoryPlatform) enter(op string) error {
	m.calls++
	if err, ok := m.failures[op]; ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// idFor returns the id already assigned to naturalKey or a fresh one.
func (m *MemoryPlatform) idFor(prefix, naturalKey string) string {
	k := prefix + "|" + naturalKey
	if id, ok := m.keyIDs[k]; ok {
		return id
	}
	m.nextID++
	id := fmt.Sprintf("%s-%06d", prefix, m.nextID)
	m.keyIDs[k] = id
	return id
}

func (m *MemoryPlatform) CreateIdentity(ctx context.Context, identity domain.Identity) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateIdentity"); err != nil {
		return "", err
	}
	id := m.idFor("identity", identity.Name+"|"+identity.Class)
	m.identities[id] = identity
	return id, nil
}

func (m *MemoryPlatform) CreateMarking(ctx context.Context, marking domain.Marking) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateMarking"); err != nil {
		return "", err
	}
	id := m.idFor("marking", marking.DefinitionType+"|"+marking.Definition)
	m.markings[id] = marking
	return id, nil
}

func (m *MemoryPlatform) CreateTag(ctx context.Context, tag domain.Tag) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateTag"); err != nil {
		return "", err
	}
	id := m.idFor("tag", tag.Type+"|"+tag.Value)
	m.tags[id] = tag
	return id, nil
}

func (m *MemoryPlatform) CreateObservable(ctx context.Context, req ports.ObservableRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateObservable"); err != nil {
		return "", err
	}
	key := domain.IOCKey{Kind: req.Kind, Value: req.Value}
	if id, ok := m.obsByKey[key]; ok {
		if req.Update {
			m.observables[id] = req
		}
		return id, nil
	}
	id := m.idFor("observable", key.String())
	m.observables[id] = req
	m.obsByKey[key] = id
	return id, nil
}

func (m *MemoryPlatform) FindObservable(ctx context.Context, kind domain.IOCKind, value string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindObservable"); err != nil {
		return "", false, err
	}
	id, ok := m.obsByKey[domain.IOCKey{Kind: kind, Value: value}]
	return id, ok, nil
}

func (m *MemoryPlatform) DeleteObservable(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteObservable"); err != nil {
		return err
	}
	obs, ok := m.observables[id]
	if !ok {
		return fmt.Errorf("observable %s not found", id)
	}
	delete(m.observables, id)
	delete(m.obsByKey, domain.IOCKey{Kind: obs.Kind, Value: obs.Value})
	delete(m.links, id)
	return nil
}

func (m *MemoryPlatform) CreateIndicator(ctx context.Context, req ports.IndicatorRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateIndicator"); err != nil {
		return "", err
	}
	if _, ok := m.observables[req.ObservableID]; req.ObservableID != "" && !ok {
		return "", fmt.Errorf("indicator %q links unknown observable %s", req.Name, req.ObservableID)
	}
	id := m.idFor("indicator", req.Pattern)
	m.indicators[id] = req
	return id, nil
}

func (m *MemoryPlatform) CreateExternalReference(ctx context.Context, ref domain.ExternalReference) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateExternalReference"); err != nil {
		return "", err
	}
	id := m.idFor("external-reference", ref.SourceName+"|"+ref.URL)
	m.extRefs[id] = ref
	return id, nil
}

func (m *MemoryPlatform) AddTag(ctx context.Context, entityID, tagID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AddTag"); err != nil {
		return err
	}
	if _, ok := m.tags[tagID]; !ok {
		return fmt.Errorf("tag %s not found", tagID)
	}
	m.link(entityID, tagID)
	return nil
}

func (m *MemoryPlatform) AddExternalReference(ctx context.Context, entityID, refID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AddExternalReference"); err != nil {
		return err
	}
	if _, ok := m.extRefs[refID]; !ok {
		return fmt.Errorf("external reference %s not found", refID)
	}
	m.link(entityID, refID)
	return nil
}

func (m *MemoryPlatform) link(entityID, targetID string) {
	for _, existing := range m.links[entityID] {
		if existing == targetID {
			return
		}
	}
	m.links[entityID] = append(m.links[entityID], targetID)
}

func (m *MemoryPlatform) CreateReport(ctx context.Context, req ports.ReportRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateReport"); err != nil {
		return "", err
	}
	id := m.idFor("report", req.Name+"|"+req.Published)
	m.reports[id] = req
	return id, nil
}

func (m *MemoryPlatform) AddToReport(ctx context.Context, reportID, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AddToReport"); err != nil {
		return err
	}
	if _, ok := m.reports[reportID]; !ok {
		return fmt.Errorf("report %s not found", reportID)
	}
	for _, existing := range m.reportObjs[reportID] {
		if existing == entityID {
			return nil
		}
	}
	m.reportObjs[reportID] = append(m.reportObjs[reportID], entityID)
	return nil
}

func (m *MemoryPlatform) SubmitBundle(ctx context.Context, bundle []byte, update bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SubmitBundle"); err != nil {
		return err
	}
	m.bundles = append(m.bundles, append([]byte(nil), bundle...))
	return nil
}

// Stats is a point-in-time count of what the platform holds.
type Stats struct {
	Identities   int
	Markings     int
	Tags         int
	Observables  int
	Indicators   int
	ExternalRefs int
	Reports      int
	Bundles      int
	Calls        int
}

func (m *MemoryPlatform) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Identities:   len(m.identities),
		Markings:     len(m.markings),
		Tags:         len(m.tags),
		Observables:  len(m.observables),
		Indicators:   len(m.indicators),
		ExternalRefs: len(m.extRefs),
		Reports:      len(m.reports),
		Bundles:      len(m.bundles),
		Calls:        m.calls,
	}
}

// ReportObjects returns the entity ids attached to reportID.
func (m *MemoryPlatform) ReportObjects(reportID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.reportObjs[reportID]...)
}

// ReportIDs returns the ids of every report, sorted.
func (m *MemoryPlatform) ReportIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.reports))
	for id := range m.reports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Links returns the tag and reference ids attached to entityID.
func (m *MemoryPlatform) Links(entityID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.links[entityID]...)
}

// Bundles returns every submitted bundle in order.
func (m *MemoryPlatform) Bundles() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.bundles))
	copy(out, m.bundles)
	return out
}

// SeedReport registers an existing report so objects can be attached to it.
func (m *MemoryPlatform) SeedReport(req ports.ReportRequest) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.idFor("report", req.Name+"|"+req.Published)
	m.reports[id] = req
	return id
}
