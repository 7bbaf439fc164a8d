package ports

import (
	"context"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
)

// Platform is the threat-intel platform API. Create calls return the id the
// platform assigned; with update set, existing entities are upserted.
type Platform interface {
	CreateIdentity(ctx context.Context, identity domain.Identity) (string, error)
	CreateMarking(ctx context.Context, marking domain.Marking) (string, error)
	CreateTag(ctx context.Context, tag domain.Tag) (string, error)
	CreateObservable(ctx context.Context, req ObservableRequest) (string, error)
	FindObservable(ctx context.Context, kind domain.IOCKind, value string) (id string, found bool, err error)
	DeleteObservable(ctx context.Context, id string) error
	CreateIndicator(ctx context.Context, req IndicatorRequest) (string, error)
	CreateExternalReference(ctx context.Context, ref domain.ExternalReference) (string, error)
	AddTag(ctx context.Context, entityID, tagID string) error
	AddExternalReference(ctx context.Context, entityID, refID string) error
	CreateReport(ctx context.Context, req ReportRequest) (string, error)
	AddToReport(ctx context.Context, reportID, entityID string) error
	SubmitBundle(ctx context.Context, bundle []byte, update bool) error
}

// ObservableRequest carries an observable with platform-resolved references.
type ObservableRequest struct {
	Kind        domain.IOCKind
	Value       string
	Description string
	CreatedBy   string
	Markings    []string
	Update      bool
}

// IndicatorRequest carries an indicator with platform-resolved references.
type IndicatorRequest struct {
	Name         string
	Pattern      string
	Description  string
	MainKind     domain.IOCKind
	CreatedBy    string
	Markings     []string
	ObservableID string
	Labels       []string
	ValidFrom    string
	Update       bool
}

// ReportRequest carries a report with platform-resolved references.
type ReportRequest struct {
	Name        string
	Description string
	Published   string
	CreatedBy   string
	Markings    []string
	Labels      []string
	Update      bool
}

// GraphSink receives a copy of every successfully published graph.
type GraphSink interface {
	Write(ctx context.Context, graph *domain.EntityGraph) error
}
