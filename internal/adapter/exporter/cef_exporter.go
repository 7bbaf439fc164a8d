package exporter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
)

// CEFExporter renders published graphs in Common Event Format for SIEM ingestion
type CEFExporter struct {
	vendor   string
	product  string
	version  string
	severity int
}

func NewCEFExporter(vendor, product, version string, severity int) *CEFExporter {
	if vendor == "" {
		vendor = "Hive"
	}
	if product == "" {
		product = "IOCConnector"
	}
	if version == "" {
		version = "1.0"
	}
	if severity < 0 || severity > 10 {
		severity = 5
	}
	return &CEFExporter{vendor: vendor, product: product, version: version, severity: severity}
}

// Export generates one CEF line per indicator, or per observable when the
// graph carries no indicators.
// Format: CEF:Version|Device Vendor|Device Product|Device Version|Signature ID|Name|Severity|Extension
func (e *CEFExporter) Export(graph *domain.EntityGraph) string {
	tagValues := make(map[string]string, len(graph.Tags))
	for _, t := range graph.Tags {
		tagValues[t.ID] = t.Value
	}

	var output strings.Builder
	if len(graph.Indicators) > 0 {
		for _, ind := range graph.Indicators {
			obs, _ := graph.ObservableByID(ind.LinkedObservable)
			output.WriteString(e.formatCEF(CEFEntry{
				Value:    obs.Value,
				Kind:     ind.MainKind,
				Pattern:  ind.Pattern,
				Report:   graph.Report.Name,
				Author:   graph.Identity.Name,
				Tags:     labelsOf(ind.Tags, ind.Labels, tagValues),
				Received: ind.ValidFrom.UnixMilli(),
			}))
			output.WriteString("\n")
		}
		return output.String()
	}

	for _, obs := range graph.Observables {
		output.WriteString(e.formatCEF(CEFEntry{
			Value:    obs.Value,
			Kind:     obs.Kind,
			Report:   graph.Report.Name,
			Author:   graph.Identity.Name,
			Tags:     labelsOf(obs.Tags, nil, tagValues),
			Received: graph.Report.Published.UnixMilli(),
		}))
		output.WriteString("\n")
	}
	return output.String()
}

func (e *CEFExporter) formatCEF(entry CEFEntry) string {
	signatureID := entry.Kind.String()
	name := fmt.Sprintf("%s IOC Imported", strings.ToUpper(entry.Kind.String()))

	// CEF Extensions (key=value pairs)
	extensions := []string{
		fmt.Sprintf("%s=%s", valueKey(entry.Kind), escapeField(entry.Value)),
		"cs1Label=Report",
		fmt.Sprintf("cs1=%s", escapeField(entry.Report)),
		"cs2Label=Author",
		fmt.Sprintf("cs2=%s", escapeField(entry.Author)),
		"cs3Label=Tags",
		fmt.Sprintf("cs3=%s", escapeField(strings.Join(entry.Tags, ","))),
	}
	if entry.Pattern != "" {
		extensions = append(extensions, "cs4Label=Pattern", fmt.Sprintf("cs4=%s", escapeField(entry.Pattern)))
	}
	extensions = append(extensions, fmt.Sprintf("rt=%d", entry.Received))

	return fmt.Sprintf("CEF:0|%s|%s|%s|%s|%s|%d|%s",
		escapeHeader(e.vendor), escapeHeader(e.product), escapeHeader(e.version),
		signatureID, name, e.severity, strings.Join(extensions, " "))
}

// valueKey picks the CEF extension key that fits the value's kind.
func valueKey(kind domain.IOCKind) string {
	switch kind {
	case domain.IPv4:
		return "src"
	case domain.Domain:
		return "dhost"
	case domain.URL:
		return "request"
	default:
		return "fileHash"
	}
}

func escapeField(s string) string {
	// Escape special characters in CEF extension values
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "=", "\\=")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	return s
}

func escapeHeader(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	return strings.ReplaceAll(s, "|", "\\|")
}

// CEFEntry represents one exported value
type CEFEntry struct {
	Value    string
	Kind     domain.IOCKind
	Pattern  string
	Report   string
	Author   string
	Tags     []string
	Received int64 // unix milliseconds
}

// CEFFileSink appends the CEF lines of every published graph to a file.
type CEFFileSink struct {
	exporter *CEFExporter
	path     string
	mu       sync.Mutex
}

func NewCEFFileSink(exporter *CEFExporter, path string) *CEFFileSink {
	return &CEFFileSink{exporter: exporter, path: path}
}

func (s *CEFFileSink) Write(ctx context.Context, graph *domain.EntityGraph) error {
	lines := s.exporter.Export(graph)
	if lines == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create CEF dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open CEF file: %w", err)
	}
	if _, err := f.WriteString(lines); err != nil {
		f.Close()
		return fmt.Errorf("write CEF file: %w", err)
	}
	return f.Close()
}
