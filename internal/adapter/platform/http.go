package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
	"github.com/hive-corporation/ioc-connectors/internal/core/ports"
)

// Doer is satisfied by *http.Client and *ResilientClient.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPPlatform talks to the platform's JSON API under <baseURL>/api/v1.
type HTTPPlatform struct {
	client  Doer
	baseURL string
	token   string
	logger  *zap.Logger
}

var _ ports.Platform = (*HTTPPlatform)(nil)

func NewHTTPPlatform(client Doer, baseURL, token string, logger *zap.Logger) *HTTPPlatform {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPPlatform{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  logger,
	}
}

type createResponse struct {
	ID string `json:"id"`
}

type listResponse struct {
	Data []createResponse `json:"data"`
}

func (p *HTTPPlatform) CreateIdentity(ctx context.Context, identity domain.Identity) (string, error) {
	return p.create(ctx, "/identities", map[string]interface{}{
		"stix_id":     identity.ID,
		"name":        identity.Name,
		"class":       identity.Class,
		"description": identity.Description,
	})
}

func (p *HTTPPlatform) CreateMarking(ctx context.Context, marking domain.Marking) (string, error) {
	return p.create(ctx, "/markings", map[string]interface{}{
		"stix_id":         marking.ID,
		"definition_type": marking.DefinitionType,
		"definition":      marking.Definition,
	})
}

func (p *HTTPPlatform) CreateTag(ctx context.Context, tag domain.Tag) (string, error) {
	return p.create(ctx, "/tags", map[string]interface{}{
		"type":  tag.Type,
		"value": tag.Value,
		"color": tag.Color,
	})
}

func (p *HTTPPlatform) CreateObservable(ctx context.Context, req ports.ObservableRequest) (string, error) {
	return p.create(ctx, "/observables", map[string]interface{}{
		"type":        req.Kind.ObservableType(),
		"value":       req.Value,
		"description": req.Description,
		"created_by":  req.CreatedBy,
		"markings":    nonNil(req.Markings),
		"update":      req.Update,
	})
}

func (p *HTTPPlatform) FindObservable(ctx context.Context, kind domain.IOCKind, value string) (string, bool, error) {
	q := url.Values{}
	q.Set("type", kind.ObservableType())
	q.Set("value", value)

	var out listResponse
	if err := p.do(ctx, http.MethodGet, "/observables?"+q.Encode(), nil, &out); err != nil {
		return "", false, err
	}
	if len(out.Data) == 0 {
		return "", false, nil
	}
	return out.Data[0].ID, true, nil
}

func (p *HTTPPlatform) DeleteObservable(ctx context.Context, id string) error {
	return p.do(ctx, http.MethodDelete, "/observables/"+url.PathEscape(id), nil, nil)
}

func (p *HTTPPlatform) CreateIndicator(ctx context.Context, req ports.IndicatorRequest) (string, error) {
	return p.create(ctx, "/indicators", map[string]interface{}{
		"name":                 req.Name,
		"pattern":              req.Pattern,
		"pattern_type":         "stix",
		"description":          req.Description,
		"main_observable_type": req.MainKind.ObservableType(),
		"created_by":           req.CreatedBy,
		"markings":             nonNil(req.Markings),
		"observable_id":        req.ObservableID,
		"labels":               nonNil(req.Labels),
		"valid_from":           req.ValidFrom,
		"update":               req.Update,
	})
}

func (p *HTTPPlatform) CreateExternalReference(ctx context.Context, ref domain.ExternalReference) (string, error) {
	return p.create(ctx, "/external-references", map[string]interface{}{
		"stix_id":     ref.ID,
		"source_name": ref.SourceName,
		"url":         ref.URL,
	})
}

func (p *HTTPPlatform) AddTag(ctx context.Context, entityID, tagID string) error {
	return p.do(ctx, http.MethodPost, "/entities/"+url.PathEscape(entityID)+"/tags",
		map[string]string{"tag_id": tagID}, nil)
}

func (p *HTTPPlatform) AddExternalReference(ctx context.Context, entityID, refID string) error {
	return p.do(ctx, http.MethodPost, "/entities/"+url.PathEscape(entityID)+"/external-references",
		map[string]string{"external_reference_id": refID}, nil)
}

func (p *HTTPPlatform) CreateReport(ctx context.Context, req ports.ReportRequest) (string, error) {
	return p.create(ctx, "/reports", map[string]interface{}{
		"name":        req.Name,
		"description": req.Description,
		"published":   req.Published,
		"created_by":  req.CreatedBy,
		"markings":    nonNil(req.Markings),
		"labels":      nonNil(req.Labels),
		"update":      req.Update,
	})
}

func (p *HTTPPlatform) AddToReport(ctx context.Context, reportID, entityID string) error {
	return p.do(ctx, http.MethodPost, "/reports/"+url.PathEscape(reportID)+"/objects",
		map[string]string{"entity_id": entityID}, nil)
}

// SubmitBundle posts a serialized STIX bundle as-is.
func (p *HTTPPlatform) SubmitBundle(ctx context.Context, bundle []byte, update bool) error {
	path := "/bundles?update=" + strconv.FormatBool(update)
	req, err := p.newRequest(ctx, http.MethodPost, path, bytes.NewReader(bundle))
	if err != nil {
		return err
	}
	return p.send(req, nil)
}

func (p *HTTPPlatform) create(ctx context.Context, path string, body interface{}) (string, error) {
	var out createResponse
	if err := p.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("POST %s: platform returned no id", path)
	}
	return out.ID, nil
}

func (p *HTTPPlatform) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := p.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	return p.send(req, out)
}

func (p *HTTPPlatform) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+"/api/v1"+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	return req, nil
}

func (p *HTTPPlatform) send(req *http.Request, out interface{}) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status})
	}

	p.logger.Debug("platform call",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode))

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
