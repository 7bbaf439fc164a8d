package provider

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
	"github.com/hive-corporation/ioc-connectors/internal/core/ports"
)

const (
	// DefaultSampleName is the template file shipped in files/ that is never
	// imported.
	DefaultSampleName = "sample.csv"

	filesDir   = "files"
	archiveDir = "archive"
)

// CSVDirProvider reads one batch per CSV file dropped in <dataDir>/files and
// archives consumed files to <dataDir>/archive.
type CSVDirProvider struct {
	providerName       string
	dataDir            string
	sampleName         string
	defaultDescription string
	logger             *zap.Logger
}

func NewCSVDirProvider(providerName, dataDir, sampleName, defaultDescription string, logger *zap.Logger) *CSVDirProvider {
	if sampleName == "" {
		sampleName = DefaultSampleName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSVDirProvider{
		providerName:       providerName,
		dataDir:            dataDir,
		sampleName:         sampleName,
		defaultDescription: defaultDescription,
		logger:             logger,
	}
}

func (p *CSVDirProvider) Name() string {
	return p.providerName
}

func (p *CSVDirProvider) Mode() domain.SnapshotMode {
	return domain.SnapshotIncremental
}

// FilesDir is where pending CSV files are read from.
func (p *CSVDirProvider) FilesDir() string { return filepath.Join(p.dataDir, filesDir) }

// ArchiveDir is where consumed files are moved.
func (p *CSVDirProvider) ArchiveDir() string { return filepath.Join(p.dataDir, archiveDir) }

// Pending lists the files waiting in files/, oldest name first.
func (p *CSVDirProvider) Pending(ctx context.Context) ([]ports.PendingBatch, error) {
	entries, err := os.ReadDir(p.FilesDir())
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", domain.ErrSourceFetch, p.FilesDir(), err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == p.sampleName || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	batches := make([]ports.PendingBatch, 0, len(names))
	for _, name := range names {
		batches = append(batches, &csvFile{provider: p, name: name})
	}

	if len(batches) == 0 {
		p.logger.Debug("no files", zap.String("dir", p.FilesDir()))
	}
	return batches, nil
}

type csvFile struct {
	provider *CSVDirProvider
	name     string
}

func (f *csvFile) Name() string { return f.name }

func (f *csvFile) path() string { return filepath.Join(f.provider.FilesDir(), f.name) }

func (f *csvFile) Load(ctx context.Context) (ports.Batch, error) {
	file, err := os.Open(f.path())
	if err != nil {
		return ports.Batch{}, fmt.Errorf("%w: open %s: %v", domain.ErrSourceFetch, f.name, err)
	}
	defer file.Close()

	parse := CSVRowParser(f.provider.providerName, f.provider.defaultDescription)
	return CollectBatch(f.name, CSVRows(file), parse, true, f.provider.logger)
}

// Archive moves the file to archive/<name>-<timestamp>.
func (f *csvFile) Archive(ctx context.Context, at time.Time) error {
	dest := f.provider.ArchiveDir()
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	target, err := archiveTarget(dest, ArchiveName(f.name, at))
	if err != nil {
		return err
	}
	if err := os.Rename(f.path(), target); err != nil {
		return fmt.Errorf("archive %s: %w", f.name, err)
	}
	f.provider.logger.Info("file archived", zap.String("file", f.name), zap.String("archive", target))
	return nil
}

// ArchiveName is the archived name of a consumed source.
func ArchiveName(name string, at time.Time) string {
	return name + "-" + at.UTC().Format(domain.TimestampLayout)
}

// archiveTarget returns a path in dir for name that does not exist yet. A
// name already taken gets a ".1", ".2"... suffix so archived files are never
// overwritten.
func archiveTarget(dir, name string) (string, error) {
	target := filepath.Join(dir, name)
	for i := 1; ; i++ {
		_, err := os.Lstat(target)
		if errors.Is(err, fs.ErrNotExist) {
			return target, nil
		}
		if err != nil {
			return "", fmt.Errorf("check archive target: %w", err)
		}
		target = filepath.Join(dir, fmt.Sprintf("%s.%d", name, i))
	}
}
