package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityMode selects which entities the builder derives from each record.
type EntityMode string

const (
	// ModeIndicator creates observable + indicator, enriches both and makes
	// the report reference the indicators.
	ModeIndicator EntityMode = "indicator"
	// ModeObservable creates observable + indicator, enriches the observable
	// only and makes the report reference the observables.
	ModeObservable EntityMode = "observable"
	// ModeObservableOnly never creates indicators.
	ModeObservableOnly EntityMode = "observable-only"
)

func ParseEntityMode(s string) (EntityMode, error) {
	switch m := EntityMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeIndicator, ModeObservable, ModeObservableOnly:
		return m, nil
	case "":
		return ModeIndicator, nil
	default:
		return "", fmt.Errorf("unknown entity mode %q", s)
	}
}

// stixNamespace is the STIX 2.1 namespace for deterministic SCO identifiers.
var stixNamespace = uuid.MustParse("00abedb4-aa42-466c-9c01-fed23315a9b7")

// TLPWhiteID is the well-known STIX id of the TLP:WHITE marking definition.
const TLPWhiteID = "marking-definition--613f2e26-407d-48c7-9eca-b8e91df99dc9"

// DeterministicID derives a stable "<prefix>--<uuidv5>" id from parts.
func DeterministicID(prefix string, parts ...string) string {
	return prefix + "--" + uuid.NewSHA1(stixNamespace, []byte(strings.Join(parts, "|"))).String()
}

// RandomID returns "<prefix>--<uuidv4>".
func RandomID(prefix string) string {
	return prefix + "--" + uuid.New().String()
}

// NewIdentity builds an identity whose id depends only on its name and class.
func NewIdentity(name, class, description string) Identity {
	return Identity{
		ID:          DeterministicID("identity", name, class),
		Name:        name,
		Class:       class,
		Description: description,
	}
}

// NewMarking builds a marking; TLP:WHITE gets the well-known STIX id.
func NewMarking(definitionType, definition string) Marking {
	id := DeterministicID("marking-definition", definitionType, definition)
	if strings.EqualFold(definitionType, "tlp") {
		switch strings.ToUpper(strings.TrimPrefix(strings.ToUpper(definition), "TLP:")) {
		case "WHITE", "CLEAR":
			id = TLPWhiteID
		}
	}
	return Marking{ID: id, DefinitionType: definitionType, Definition: definition}
}

// NewTag builds a tag with a stable id.
func NewTag(tagType, value, color string) Tag {
	return Tag{ID: DeterministicID("tag", tagType, value), Type: tagType, Value: value, Color: color}
}

// ReferenceProvider is a site that gets one external reference per value.
type ReferenceProvider struct {
	Name string
	// Format receives the escaped value and returns the reference URL.
	Format func(value string) string
}

// DefaultReferenceProviders are VirusTotal search and Threatcrowd pivot.
var DefaultReferenceProviders = []ReferenceProvider{
	{
		Name:   "VirusTotal",
		Format: func(v string) string { return "https://www.virustotal.com/gui/search/" + url.PathEscape(v) },
	},
	{
		Name:   "Threatcrowd",
		Format: func(v string) string { return "https://www.threatcrowd.org/pivot.php?data=" + url.QueryEscape(v) },
	},
}

// NewExternalReference builds the reference of provider p for value. The id is
// a function of (provider, value) only.
func NewExternalReference(p ReferenceProvider, value string) ExternalReference {
	return ExternalReference{
		ID:         DeterministicID("external-reference", p.Name, value),
		SourceName: p.Name,
		URL:        p.Format(value),
	}
}

// ObservableID is the deterministic STIX id of the observable for key.
func ObservableID(k IOCKey) string {
	return DeterministicID(k.Kind.STIXType(), k.Kind.String(), k.Value)
}

// Pattern builds the STIX pattern matching value for kind.
func Pattern(kind IOCKind, value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
	return fmt.Sprintf("[%s = '%s']", kind.PatternProperty(), escaped)
}

// RunContext carries the platform handles shared by every batch of a process:
// author identity, markings, tags and build options. It is built once at
// startup and treated as read-only afterwards.
type RunContext struct {
	Connector          string
	Identity           Identity
	Markings           []Marking
	Tags               []Tag
	Mode               EntityMode
	IndicatorLabels    []string
	ReportLabels       []string
	ReportNamePrefix   string
	ReferenceProviders []ReferenceProvider

	// Now and NewID default to time.Now and RandomID.
	Now   func() time.Time
	NewID func(prefix string) string
}

func (c RunContext) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c RunContext) newID(prefix string) string {
	if c.NewID != nil {
		return c.NewID(prefix)
	}
	return RandomID(prefix)
}

func (c RunContext) markingIDs() []string {
	ids := make([]string, len(c.Markings))
	for i, m := range c.Markings {
		ids[i] = m.ID
	}
	return ids
}

func (c RunContext) tagIDs() []string {
	ids := make([]string, len(c.Tags))
	for i, t := range c.Tags {
		ids[i] = t.ID
	}
	return ids
}

// Builder turns parsed records into an entity graph. It performs no I/O.
type Builder struct {
	rc RunContext
}

func NewBuilder(rc RunContext) *Builder {
	if rc.Mode == "" {
		rc.Mode = ModeIndicator
	}
	if rc.ReferenceProviders == nil {
		rc.ReferenceProviders = DefaultReferenceProviders
	}
	if rc.ReportNamePrefix == "" {
		rc.ReportNamePrefix = "Import data from"
	}
	return &Builder{rc: rc}
}

// Context returns the run context the builder was created with.
func (b *Builder) Context() RunContext { return b.rc }

// Build creates one observable (and, depending on mode, one indicator) per
// record, the external references of each value and a report referencing
// everything. Records should already be deduplicated and sorted; duplicates
// that slip through collapse to the first occurrence.
func (b *Builder) Build(records []IOCRecord, meta ReportMetadata, batch string) (*EntityGraph, error) {
	if len(records) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(b.rc.Markings) == 0 {
		return nil, fmt.Errorf("run context has no marking")
	}

	now := b.rc.now()
	identityID := b.rc.Identity.ID
	markings := b.rc.markingIDs()
	tags := b.rc.tagIDs()

	g := &EntityGraph{
		Batch:    batch,
		Identity: b.rc.Identity,
		Markings: append([]Marking(nil), b.rc.Markings...),
		Tags:     append([]Tag(nil), b.rc.Tags...),
	}

	seenKeys := make(map[IOCKey]struct{}, len(records))
	seenRefs := make(map[string]struct{}, 2*len(records))
	var objectRefs []string

	for _, r := range records {
		if _, dup := seenKeys[r.Key()]; dup {
			continue
		}
		seenKeys[r.Key()] = struct{}{}

		refIDs := make([]string, 0, len(b.rc.ReferenceProviders))
		for _, p := range b.rc.ReferenceProviders {
			ref := NewExternalReference(p, r.Value)
			refIDs = append(refIDs, ref.ID)
			if _, ok := seenRefs[ref.ID]; ok {
				continue
			}
			seenRefs[ref.ID] = struct{}{}
			g.ExternalRefs = append(g.ExternalRefs, ref)
		}

		obs := Observable{
			ID:           ObservableID(r.Key()),
			Kind:         r.Kind,
			Value:        r.Value,
			Description:  r.Description,
			CreatedBy:    identityID,
			Markings:     clone(markings),
			ExternalRefs: refIDs,
			Tags:         clone(tags),
		}
		g.Observables = append(g.Observables, obs)

		if b.rc.Mode == ModeObservableOnly {
			objectRefs = append(objectRefs, obs.ID)
			continue
		}

		ind := Indicator{
			ID:               b.rc.newID("indicator"),
			Pattern:          Pattern(r.Kind, r.Value),
			Name:             r.Value,
			Description:      r.Description,
			CreatedBy:        identityID,
			Markings:         clone(markings),
			LinkedObservable: obs.ID,
			Labels:           clone(b.rc.IndicatorLabels),
			MainKind:         r.Kind,
			ValidFrom:        now,
		}
		if b.rc.Mode == ModeIndicator {
			ind.ExternalRefs = clone(refIDs)
			ind.Tags = clone(tags)
			objectRefs = append(objectRefs, ind.ID)
		} else {
			objectRefs = append(objectRefs, obs.ID)
		}
		g.Indicators = append(g.Indicators, ind)
	}

	g.Report = Report{
		ID:          b.rc.newID("report"),
		Name:        fmt.Sprintf("%s %s", b.rc.ReportNamePrefix, batch),
		Description: meta.Description,
		Published:   now.Truncate(time.Second),
		CreatedBy:   identityID,
		Markings:    clone(markings),
		Tags:        clone(tags),
		Labels:      clone(b.rc.ReportLabels),
		ObjectRefs:  objectRefs,
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("built invalid graph: %w", err)
	}
	return g, nil
}

func clone(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return append([]string(nil), s...)
}
