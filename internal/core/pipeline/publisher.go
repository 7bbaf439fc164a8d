package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
	"github.com/hive-corporation/ioc-connectors/internal/core/ports"
	"github.com/hive-corporation/ioc-connectors/internal/observability"
)

// PublishMode selects how a graph reaches the platform.
type PublishMode string

const (
	// PublishBundle submits the whole graph as one STIX bundle.
	PublishBundle PublishMode = "bundle"
	// PublishPerCall creates every entity with its own API call.
	PublishPerCall PublishMode = "per-call"
)

func ParsePublishMode(s string) (PublishMode, error) {
	switch m := PublishMode(strings.ToLower(strings.TrimSpace(s))); m {
	case PublishBundle, PublishPerCall:
		return m, nil
	case "":
		return PublishBundle, nil
	default:
		return "", fmt.Errorf("unknown publish mode %q", s)
	}
}

// BundleEncoder serializes a graph for PublishBundle.
type BundleEncoder interface {
	Encode(graph *domain.EntityGraph) ([]byte, error)
}

// PublisherConfig holds the publication options fixed at startup.
type PublisherConfig struct {
	// Update upserts entities that already exist on the platform.
	Update bool
	// ReportID, when set, makes per-call publishing attach objects to this
	// existing report instead of creating one.
	ReportID string
}

// PublishResult counts what one Publish call wrote.
type PublishResult struct {
	ReportID     string
	Observables  int
	Indicators   int
	ExternalRefs int
	// PlatformIDs maps graph ids to the ids the platform assigned (per-call only).
	PlatformIDs map[string]string
}

// Publisher pushes entity graphs to the platform and mirrors them to sinks.
type Publisher struct {
	platform ports.Platform
	encoder  BundleEncoder
	cfg      PublisherConfig
	sinks    []ports.GraphSink
	logger   *zap.Logger
}

func NewPublisher(platform ports.Platform, encoder BundleEncoder, cfg PublisherConfig, logger *zap.Logger, sinks ...ports.GraphSink) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		platform: platform,
		encoder:  encoder,
		cfg:      cfg,
		sinks:    sinks,
		logger:   logger,
	}
}

// Publish writes graph in the given mode. The first failed platform call
// aborts and is returned as a *domain.PublishError. Sink failures are logged
// only.
func (p *Publisher) Publish(ctx context.Context, graph *domain.EntityGraph, mode PublishMode) (PublishResult, error) {
	var (
		res PublishResult
		err error
	)
	switch mode {
	case PublishPerCall:
		res, err = p.publishPerCall(ctx, graph)
	case PublishBundle, "":
		res, err = p.publishBundle(ctx, graph)
	default:
		return PublishResult{}, &domain.PublishError{Op: "publish", Err: fmt.Errorf("unknown publish mode %q", mode)}
	}
	if err != nil {
		return res, err
	}

	observability.RecordEntitiesPublished("observable", res.Observables)
	observability.RecordEntitiesPublished("indicator", res.Indicators)
	observability.RecordEntitiesPublished("external_reference", res.ExternalRefs)
	observability.RecordEntitiesPublished("report", 1)

	for _, sink := range p.sinks {
		if err := sink.Write(ctx, graph); err != nil {
			p.logger.Warn("export sink failed", zap.String("batch", graph.Batch), zap.Error(err))
		}
	}
	return res, nil
}

func (p *Publisher) publishBundle(ctx context.Context, graph *domain.EntityGraph) (PublishResult, error) {
	if p.encoder == nil {
		return PublishResult{}, &domain.PublishError{Op: "encode-bundle", Err: fmt.Errorf("no bundle encoder configured")}
	}
	bundle, err := p.encoder.Encode(graph)
	if err != nil {
		return PublishResult{}, &domain.PublishError{Op: "encode-bundle", EntityID: graph.Report.ID, Err: err}
	}
	if err := p.platform.SubmitBundle(ctx, bundle, p.cfg.Update); err != nil {
		return PublishResult{}, &domain.PublishError{Op: "submit-bundle", EntityID: graph.Report.ID, Err: err}
	}

	p.logger.Info("bundle submitted",
		zap.String("batch", graph.Batch),
		zap.Int("objects", len(graph.Observables)+len(graph.Indicators)),
		zap.Int("bytes", len(bundle)))

	return PublishResult{
		ReportID:     graph.Report.ID,
		Observables:  len(graph.Observables),
		Indicators:   len(graph.Indicators),
		ExternalRefs: len(graph.ExternalRefs),
	}, nil
}

// publishPerCall creates identity, markings, tags, references, observables,
// indicators and finally the report, each step using the platform ids of the
// entities created before it.
func (p *Publisher) publishPerCall(ctx context.Context, graph *domain.EntityGraph) (PublishResult, error) {
	ids := make(map[string]string)
	res := PublishResult{PlatformIDs: ids}

	fail := func(op, entityID string, err error) (PublishResult, error) {
		p.logger.Error("platform call failed",
			zap.String("op", op),
			zap.String("entity_id", entityID),
			zap.String("batch", graph.Batch),
			zap.Error(err))
		return res, &domain.PublishError{Op: op, EntityID: entityID, Err: err}
	}

	id, err := p.platform.CreateIdentity(ctx, graph.Identity)
	if err != nil {
		return fail("create-identity", graph.Identity.ID, err)
	}
	ids[graph.Identity.ID] = id

	for _, m := range graph.Markings {
		id, err := p.platform.CreateMarking(ctx, m)
		if err != nil {
			return fail("create-marking", m.ID, err)
		}
		ids[m.ID] = id
	}

	for _, t := range graph.Tags {
		id, err := p.platform.CreateTag(ctx, t)
		if err != nil {
			return fail("create-tag", t.ID, err)
		}
		ids[t.ID] = id
	}

	for _, r := range graph.ExternalRefs {
		id, err := p.platform.CreateExternalReference(ctx, r)
		if err != nil {
			return fail("create-external-reference", r.ID, err)
		}
		ids[r.ID] = id
		res.ExternalRefs++
	}

	for _, o := range graph.Observables {
		id, err := p.platform.CreateObservable(ctx, ports.ObservableRequest{
			Kind:        o.Kind,
			Value:       o.Value,
			Description: o.Description,
			CreatedBy:   ids[o.CreatedBy],
			Markings:    mapIDs(ids, o.Markings),
			Update:      p.cfg.Update,
		})
		if err != nil {
			return fail("create-observable", o.ID, err)
		}
		ids[o.ID] = id
		res.Observables++

		if op, ref, err := p.attach(ctx, id, ids, o.ExternalRefs, o.Tags); err != nil {
			return fail(op, ref, err)
		}
	}

	for _, ind := range graph.Indicators {
		id, err := p.platform.CreateIndicator(ctx, ports.IndicatorRequest{
			Name:         ind.Name,
			Pattern:      ind.Pattern,
			Description:  ind.Description,
			MainKind:     ind.MainKind,
			CreatedBy:    ids[ind.CreatedBy],
			Markings:     mapIDs(ids, ind.Markings),
			ObservableID: ids[ind.LinkedObservable],
			Labels:       ind.Labels,
			ValidFrom:    ind.ValidFrom.UTC().Format(domain.TimestampLayout),
			Update:       p.cfg.Update,
		})
		if err != nil {
			return fail("create-indicator", ind.ID, err)
		}
		ids[ind.ID] = id
		res.Indicators++

		if op, ref, err := p.attach(ctx, id, ids, ind.ExternalRefs, ind.Tags); err != nil {
			return fail(op, ref, err)
		}
	}

	report := graph.Report
	reportID := p.cfg.ReportID
	if reportID == "" {
		id, err := p.platform.CreateReport(ctx, ports.ReportRequest{
			Name:        report.Name,
			Description: report.Description,
			Published:   report.PublishedTimestamp(),
			CreatedBy:   ids[report.CreatedBy],
			Markings:    mapIDs(ids, report.Markings),
			Labels:      report.Labels,
			Update:      p.cfg.Update,
		})
		if err != nil {
			return fail("create-report", report.ID, err)
		}
		reportID = id
		if op, ref, err := p.attach(ctx, reportID, ids, nil, report.Tags); err != nil {
			return fail(op, ref, err)
		}
	}
	ids[report.ID] = reportID
	res.ReportID = reportID

	for _, ref := range report.ObjectRefs {
		if err := p.platform.AddToReport(ctx, reportID, ids[ref]); err != nil {
			return fail("add-to-report", ref, err)
		}
	}

	p.logger.Info("batch published",
		zap.String("batch", graph.Batch),
		zap.String("report_id", reportID),
		zap.Int("observables", res.Observables),
		zap.Int("indicators", res.Indicators))

	return res, nil
}

// attach links references and tags to a created entity. On failure it returns
// the failed op and the graph id being attached.
func (p *Publisher) attach(ctx context.Context, entityID string, ids map[string]string, refs, tags []string) (string, string, error) {
	for _, ref := range refs {
		if err := p.platform.AddExternalReference(ctx, entityID, ids[ref]); err != nil {
			return "add-external-reference", ref, err
		}
	}
	for _, tag := range tags {
		if err := p.platform.AddTag(ctx, entityID, ids[tag]); err != nil {
			return "add-tag", tag, err
		}
	}
	return "", "", nil
}

// Retract deletes the platform observables of keys that left a full source.
// Keys the platform does not know are skipped. It returns how many were
// deleted.
func (p *Publisher) Retract(ctx context.Context, removed []domain.IOCKey) (int, error) {
	deleted := 0
	for _, k := range removed {
		id, found, err := p.platform.FindObservable(ctx, k.Kind, k.Value)
		if err != nil {
			return deleted, &domain.PublishError{Op: "find-observable", EntityID: k.String(), Err: err}
		}
		if !found {
			p.logger.Debug("stale observable not on platform", zap.String("key", k.String()))
			continue
		}
		if err := p.platform.DeleteObservable(ctx, id); err != nil {
			return deleted, &domain.PublishError{Op: "delete-observable", EntityID: id, Err: err}
		}
		deleted++
	}
	if deleted > 0 {
		p.logger.Info("stale observables deleted", zap.Int("count", deleted))
	}
	return deleted, nil
}

// EnrichObservable attaches the VirusTotal reference of value to an existing
// observable and returns the platform id of the reference.
func (p *Publisher) EnrichObservable(ctx context.Context, observableID, value string) (string, error) {
	if observableID == "" || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("observable id and value are required")
	}
	ref := domain.NewExternalReference(domain.DefaultReferenceProviders[0], strings.TrimSpace(value))

	refID, err := p.platform.CreateExternalReference(ctx, ref)
	if err != nil {
		return "", &domain.PublishError{Op: "create-external-reference", EntityID: ref.ID, Err: err}
	}
	if err := p.platform.AddExternalReference(ctx, observableID, refID); err != nil {
		return "", &domain.PublishError{Op: "add-external-reference", EntityID: observableID, Err: err}
	}

	p.logger.Info("observable enriched",
		zap.String("observable_id", observableID),
		zap.String("source", ref.SourceName),
		zap.String("url", ref.URL))
	return refID, nil
}

func mapIDs(ids map[string]string, local []string) []string {
	out := make([]string, 0, len(local))
	for _, id := range local {
		out = append(out, ids[id])
	}
	return out
}
