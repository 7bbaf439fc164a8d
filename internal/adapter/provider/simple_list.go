package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
	"github.com/hive-corporation/ioc-connectors/internal/core/ports"
)

// HTTPDoer is satisfied by *http.Client and the platform resilient client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SimpleListConfig describes one list feed.
type SimpleListConfig struct {
	Name              string
	URL               string
	Kind              domain.IOCKind
	Description       string
	ReportDescription string
	ArchiveDir        string
}

// SimpleListProvider downloads a plain list (one value per line, such as an IP
// blacklist). Every download is the complete list.
type SimpleListProvider struct {
	client HTTPDoer
	cfg    SimpleListConfig
	logger *zap.Logger
}

func NewSimpleListProvider(client HTTPDoer, cfg SimpleListConfig, logger *zap.Logger) *SimpleListProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Kind == 0 {
		cfg.Kind = domain.IPv4
	}
	return &SimpleListProvider{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

func (p *SimpleListProvider) Name() string {
	return p.cfg.Name
}

func (p *SimpleListProvider) Mode() domain.SnapshotMode {
	return domain.SnapshotFull
}

// Pending downloads the list. A download failure is ErrSourceFetch.
func (p *SimpleListProvider) Pending(ctx context.Context) ([]ports.PendingBatch, error) {
	p.logger.Debug("fetching list", zap.String("provider", p.cfg.Name), zap.String("url", p.cfg.URL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceFetch, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrSourceFetch, p.cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: failed to fetch IOCs from %s: %s", domain.ErrSourceFetch, p.cfg.URL, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrSourceFetch, p.cfg.URL, err)
	}

	return []ports.PendingBatch{&listDownload{provider: p, body: body}}, nil
}

type listDownload struct {
	provider *SimpleListProvider
	body     []byte
}

func (d *listDownload) Name() string { return d.provider.cfg.Name }

func (d *listDownload) Load(ctx context.Context) (ports.Batch, error) {
	p := d.provider
	parse := ListRowParser(p.cfg.Kind, p.cfg.Name, p.cfg.Description)
	batch, err := CollectBatch(p.cfg.Name, ListLines(bytes.NewReader(d.body)), parse, false, p.logger)
	if err != nil {
		return batch, err
	}
	batch.Report = domain.ReportMetadata{Description: p.cfg.ReportDescription}
	return batch, nil
}

// Archive keeps a copy of the processed download when an archive directory is
// configured.
func (d *listDownload) Archive(ctx context.Context, at time.Time) error {
	if d.provider.cfg.ArchiveDir == "" {
		return nil
	}
	if err := os.MkdirAll(d.provider.cfg.ArchiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	target, err := archiveTarget(d.provider.cfg.ArchiveDir, ArchiveName(d.provider.cfg.Name+".txt", at))
	if err != nil {
		return err
	}
	if err := os.WriteFile(target, d.body, 0o644); err != nil {
		return fmt.Errorf("archive %s: %w", d.provider.cfg.Name, err)
	}
	return nil
}
