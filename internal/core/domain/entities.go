package domain

import (
	"fmt"
	"time"
)

// Identity is the organization or collector that authored a batch.
type Identity struct {
	ID          string
	Name        string
	Class       string // organization, individual, system...
	Description string
}

// Marking is a data marking (TLP or statement) applied to every entity.
type Marking struct {
	ID             string
	DefinitionType string // tlp, statement
	Definition     string
}

// Tag is a platform label attached to observables, indicators and reports.
type Tag struct {
	ID    string
	Type  string
	Value string
	Color string
}

// ExternalReference points at a third-party page about a value.
type ExternalReference struct {
	ID         string
	SourceName string
	URL        string
}

// Observable is the platform representation of one IOC value.
type Observable struct {
	ID           string
	Kind         IOCKind
	Value        string
	Description  string
	CreatedBy    string
	Markings     []string
	ExternalRefs []string
	Tags         []string
}

func (o Observable) Key() IOCKey { return IOCKey{Kind: o.Kind, Value: o.Value} }

// Indicator is a detection pattern derived from an observable.
type Indicator struct {
	ID               string
	Pattern          string
	Name             string
	Description      string
	CreatedBy        string
	Markings         []string
	LinkedObservable string
	ExternalRefs     []string
	Tags             []string
	Labels           []string
	MainKind         IOCKind
	ValidFrom        time.Time
}

// Report groups every entity produced for one batch.
type Report struct {
	ID          string
	Name        string
	Description string
	Published   time.Time
	CreatedBy   string
	Markings    []string
	Tags        []string
	Labels      []string
	ObjectRefs  []string
}

// PublishedTimestamp renders Published the way the platform expects it.
func (r Report) PublishedTimestamp() string {
	return r.Published.UTC().Format(TimestampLayout)
}

// TimestampLayout is the ISO-8601 form used for report dates and archive names.
const TimestampLayout = "2006-01-02T15:04:05Z"

// EntityGraph is the complete, cross-referenced set of entities for one batch.
type EntityGraph struct {
	Batch        string
	Identity     Identity
	Markings     []Marking
	Tags         []Tag
	Observables  []Observable
	Indicators   []Indicator
	ExternalRefs []ExternalReference
	Report       Report
}

// Validate checks the graph invariants: single author, at least one marking
// per entity, unique keys and no dangling references.
func (g *EntityGraph) Validate() error {
	if g.Identity.ID == "" {
		return fmt.Errorf("graph has no identity")
	}

	ids := make(map[string]struct{})
	for _, m := range g.Markings {
		ids[m.ID] = struct{}{}
	}
	for _, t := range g.Tags {
		ids[t.ID] = struct{}{}
	}
	for _, r := range g.ExternalRefs {
		if _, dup := ids[r.ID]; dup {
			return fmt.Errorf("duplicate external reference %s", r.ID)
		}
		ids[r.ID] = struct{}{}
	}

	checkRefs := func(owner string, refs []string) error {
		for _, id := range refs {
			if _, ok := ids[id]; !ok {
				return fmt.Errorf("%s references unknown id %s", owner, id)
			}
		}
		return nil
	}
	checkOwned := func(id, createdBy string, markings []string) error {
		if createdBy != g.Identity.ID {
			return fmt.Errorf("%s not created by %s", id, g.Identity.ID)
		}
		if len(markings) == 0 {
			return fmt.Errorf("%s has no marking", id)
		}
		return checkRefs(id, markings)
	}

	keys := make(map[IOCKey]struct{}, len(g.Observables))
	for _, o := range g.Observables {
		if _, dup := keys[o.Key()]; dup {
			return fmt.Errorf("duplicate observable %s", o.Key())
		}
		keys[o.Key()] = struct{}{}
		if err := checkOwned(o.ID, o.CreatedBy, o.Markings); err != nil {
			return err
		}
		if err := checkRefs(o.ID, o.ExternalRefs); err != nil {
			return err
		}
		if err := checkRefs(o.ID, o.Tags); err != nil {
			return err
		}
		ids[o.ID] = struct{}{}
	}

	for _, ind := range g.Indicators {
		if err := checkOwned(ind.ID, ind.CreatedBy, ind.Markings); err != nil {
			return err
		}
		if _, ok := ids[ind.LinkedObservable]; !ok {
			return fmt.Errorf("%s linked to unknown observable %s", ind.ID, ind.LinkedObservable)
		}
		if err := checkRefs(ind.ID, ind.ExternalRefs); err != nil {
			return err
		}
		if err := checkRefs(ind.ID, ind.Tags); err != nil {
			return err
		}
		ids[ind.ID] = struct{}{}
	}

	if err := checkOwned(g.Report.ID, g.Report.CreatedBy, g.Report.Markings); err != nil {
		return err
	}
	return checkRefs(g.Report.ID, g.Report.ObjectRefs)
}

// ObservableByID returns the observable with the given id.
func (g *EntityGraph) ObservableByID(id string) (Observable, bool) {
	for _, o := range g.Observables {
		if o.ID == id {
			return o, true
		}
	}
	return Observable{}, false
}

// Keys returns the key set covered by the graph.
func (g *EntityGraph) Keys() KeySet {
	s := make(KeySet, len(g.Observables))
	for _, o := range g.Observables {
		s[o.Key()] = struct{}{}
	}
	return s
}
