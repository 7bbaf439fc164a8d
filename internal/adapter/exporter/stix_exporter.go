package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
)

// STIXExporter serializes entity graphs as STIX 2.1 bundles
type STIXExporter struct {
	newID func() string
}

func NewSTIXExporter() *STIXExporter {
	return &STIXExporter{newID: func() string { return uuid.New().String() }}
}

// Encode renders graph as one self-contained bundle. Tags become labels and
// external references are embedded in the objects that carry them.
func (e *STIXExporter) Encode(graph *domain.EntityGraph) ([]byte, error) {
	bundle, err := e.Bundle(graph)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal STIX bundle: %w", err)
	}
	return data, nil
}

// Bundle builds the bundle in dependency order: identity, markings,
// observables, indicators with their based-on relationships, report.
func (e *STIXExporter) Bundle(graph *domain.EntityGraph) (STIXBundle, error) {
	if graph == nil {
		return STIXBundle{}, fmt.Errorf("nil graph")
	}
	if err := graph.Validate(); err != nil {
		return STIXBundle{}, fmt.Errorf("refusing to export invalid graph: %w", err)
	}

	stamp := stixTime(graph.Report.Published)
	tagValues := make(map[string]string, len(graph.Tags))
	for _, t := range graph.Tags {
		tagValues[t.ID] = t.Value
	}
	refs := make(map[string]domain.ExternalReference, len(graph.ExternalRefs))
	for _, r := range graph.ExternalRefs {
		refs[r.ID] = r
	}

	bundle := STIXBundle{
		Type:    "bundle",
		ID:      "bundle--" + e.newID(),
		Objects: []interface{}{},
	}

	bundle.Objects = append(bundle.Objects, STIXIdentity{
		Type:          "identity",
		SpecVersion:   "2.1",
		ID:            graph.Identity.ID,
		Created:       stamp,
		Modified:      stamp,
		Name:          graph.Identity.Name,
		IdentityClass: graph.Identity.Class,
		Description:   graph.Identity.Description,
	})

	for _, m := range graph.Markings {
		bundle.Objects = append(bundle.Objects, convertMarking(m, stamp))
	}

	for _, o := range graph.Observables {
		bundle.Objects = append(bundle.Objects, convertObservable(o, labelsOf(o.Tags, nil, tagValues), embedRefs(o.ExternalRefs, refs)))
	}

	for _, ind := range graph.Indicators {
		bundle.Objects = append(bundle.Objects, STIXIndicator{
			Type:               "indicator",
			SpecVersion:        "2.1",
			ID:                 ind.ID,
			Created:            stamp,
			Modified:           stamp,
			Name:               ind.Name,
			Description:        ind.Description,
			Pattern:            ind.Pattern,
			PatternType:        "stix",
			ValidFrom:          stixTime(ind.ValidFrom),
			CreatedByRef:       ind.CreatedBy,
			ObjectMarkingRefs:  ind.Markings,
			Labels:             labelsOf(ind.Tags, ind.Labels, tagValues),
			ExternalReferences: embedRefs(ind.ExternalRefs, refs),
			MainObservableType: ind.MainKind.ObservableType(),
		})
		if ind.LinkedObservable != "" {
			bundle.Objects = append(bundle.Objects, STIXRelationship{
				Type:              "relationship",
				SpecVersion:       "2.1",
				ID:                domain.DeterministicID("relationship", "based-on", ind.ID, ind.LinkedObservable),
				Created:           stamp,
				Modified:          stamp,
				RelationshipType:  "based-on",
				SourceRef:         ind.ID,
				TargetRef:         ind.LinkedObservable,
				CreatedByRef:      ind.CreatedBy,
				ObjectMarkingRefs: ind.Markings,
			})
		}
	}

	r := graph.Report
	bundle.Objects = append(bundle.Objects, STIXReport{
		Type:              "report",
		SpecVersion:       "2.1",
		ID:                r.ID,
		Created:           stamp,
		Modified:          stamp,
		Name:              r.Name,
		Description:       r.Description,
		Published:         stamp,
		ReportTypes:       []string{"threat-report"},
		CreatedByRef:      r.CreatedBy,
		ObjectMarkingRefs: r.Markings,
		Labels:            labelsOf(r.Tags, r.Labels, tagValues),
		ObjectRefs:        r.ObjectRefs,
	})

	return bundle, nil
}

func convertMarking(m domain.Marking, stamp string) STIXMarking {
	out := STIXMarking{
		Type:           "marking-definition",
		SpecVersion:    "2.1",
		ID:             m.ID,
		Created:        stamp,
		DefinitionType: strings.ToLower(m.DefinitionType),
		Name:           m.Definition,
	}
	switch out.DefinitionType {
	case "tlp":
		level := strings.ToLower(strings.TrimPrefix(strings.ToUpper(m.Definition), "TLP:"))
		if level == "clear" {
			level = "white"
		}
		out.Definition = map[string]string{"tlp": level}
	default:
		out.Definition = map[string]string{"statement": m.Definition}
	}
	return out
}

func convertObservable(o domain.Observable, labels []string, refs []ExternalReference) STIXObservable {
	out := STIXObservable{
		Type:               o.Kind.STIXType(),
		SpecVersion:        "2.1",
		ID:                 o.ID,
		ObjectMarkingRefs:  o.Markings,
		Description:        o.Description,
		CreatedByRef:       o.CreatedBy,
		Labels:             labels,
		ExternalReferences: refs,
	}
	if o.Kind.IsHash() {
		out.Hashes = map[string]string{o.Kind.HashAlgorithm(): o.Value}
	} else {
		out.Value = o.Value
	}
	return out
}

func labelsOf(tagIDs, extra []string, tagValues map[string]string) []string {
	var labels []string
	for _, id := range tagIDs {
		if v, ok := tagValues[id]; ok {
			labels = append(labels, v)
		}
	}
	return append(labels, extra...)
}

func embedRefs(ids []string, refs map[string]domain.ExternalReference) []ExternalReference {
	var out []ExternalReference
	for _, id := range ids {
		if r, ok := refs[id]; ok {
			out = append(out, ExternalReference{SourceName: r.SourceName, URL: r.URL})
		}
	}
	return out
}

func stixTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// STIXFileSink keeps a copy of every published bundle in a directory.
type STIXFileSink struct {
	exporter *STIXExporter
	dir      string
}

func NewSTIXFileSink(exporter *STIXExporter, dir string) *STIXFileSink {
	return &STIXFileSink{exporter: exporter, dir: dir}
}

func (s *STIXFileSink) Write(ctx context.Context, graph *domain.EntityGraph) error {
	data, err := s.exporter.Encode(graph)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.json", safeName(graph.Batch), graph.Report.Published.UTC().Format("20060102T150405Z"))
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write bundle: %w", err)
	}
	return nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, s)
}

// STIX 2.1 data structures

type STIXBundle struct {
	Type    string        `json:"type"`
	ID      string        `json:"id"`
	Objects []interface{} `json:"objects"`
}

type STIXIdentity struct {
	Type          string `json:"type"`
	SpecVersion   string `json:"spec_version"`
	ID            string `json:"id"`
	Created       string `json:"created"`
	Modified      string `json:"modified"`
	Name          string `json:"name"`
	IdentityClass string `json:"identity_class,omitempty"`
	Description   string `json:"description,omitempty"`
}

type STIXMarking struct {
	Type           string            `json:"type"`
	SpecVersion    string            `json:"spec_version"`
	ID             string            `json:"id"`
	Created        string            `json:"created"`
	DefinitionType string            `json:"definition_type"`
	Name           string            `json:"name,omitempty"`
	Definition     map[string]string `json:"definition"`
}

type STIXObservable struct {
	Type               string              `json:"type"`
	SpecVersion        string              `json:"spec_version"`
	ID                 string              `json:"id"`
	Value              string              `json:"value,omitempty"`
	Hashes             map[string]string   `json:"hashes,omitempty"`
	ObjectMarkingRefs  []string            `json:"object_marking_refs,omitempty"`
	Description        string              `json:"x_opencti_description,omitempty"`
	CreatedByRef       string              `json:"x_opencti_created_by_ref,omitempty"`
	Labels             []string            `json:"x_opencti_labels,omitempty"`
	ExternalReferences []ExternalReference `json:"x_opencti_external_references,omitempty"`
}

type STIXIndicator struct {
	Type               string              `json:"type"`
	SpecVersion        string              `json:"spec_version"`
	ID                 string              `json:"id"`
	Created            string              `json:"created"`
	Modified           string              `json:"modified"`
	Name               string              `json:"name"`
	Description        string              `json:"description,omitempty"`
	Pattern            string              `json:"pattern"`
	PatternType        string              `json:"pattern_type"`
	ValidFrom          string              `json:"valid_from"`
	CreatedByRef       string              `json:"created_by_ref,omitempty"`
	ObjectMarkingRefs  []string            `json:"object_marking_refs,omitempty"`
	Labels             []string            `json:"labels,omitempty"`
	ExternalReferences []ExternalReference `json:"external_references,omitempty"`
	MainObservableType string              `json:"x_opencti_main_observable_type,omitempty"`
}

type STIXRelationship struct {
	Type              string   `json:"type"`
	SpecVersion       string   `json:"spec_version"`
	ID                string   `json:"id"`
	Created           string   `json:"created"`
	Modified          string   `json:"modified"`
	RelationshipType  string   `json:"relationship_type"`
	SourceRef         string   `json:"source_ref"`
	TargetRef         string   `json:"target_ref"`
	CreatedByRef      string   `json:"created_by_ref,omitempty"`
	ObjectMarkingRefs []string `json:"object_marking_refs,omitempty"`
}

type STIXReport struct {
	Type              string   `json:"type"`
	SpecVersion       string   `json:"spec_version"`
	ID                string   `json:"id"`
	Created           string   `json:"created"`
	Modified          string   `json:"modified"`
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	Published         string   `json:"published"`
	ReportTypes       []string `json:"report_types"`
	CreatedByRef      string   `json:"created_by_ref,omitempty"`
	ObjectMarkingRefs []string `json:"object_marking_refs,omitempty"`
	Labels            []string `json:"labels,omitempty"`
	ObjectRefs        []string `json:"object_refs"`
}

type ExternalReference struct {
	SourceName string `json:"source_name"`
	URL        string `json:"url,omitempty"`
}
