package provider

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"go.uber.org/zap"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
	"github.com/hive-corporation/ioc-connectors/internal/core/ports"
	"github.com/hive-corporation/ioc-connectors/internal/observability"
)

// RawRow is one CSV record with its 1-based line number.
type RawRow struct {
	Line   int
	Fields []string
}

// CSVRows lazily yields the records of r. Blank lines and '#' comments are
// skipped by the reader. A malformed record is yielded as an error and reading
// continues; any other read error ends the sequence.
func CSVRows(r io.Reader) iter.Seq2[RawRow, error] {
	return func(yield func(RawRow, error) bool) {
		reader := csv.NewReader(r)
		reader.Comment = '#'
		reader.FieldsPerRecord = -1
		reader.TrimLeadingSpace = true

		for {
			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				var perr *csv.ParseError
				if errors.As(err, &perr) {
					if !yield(RawRow{Line: perr.Line}, err) {
						return
					}
					continue
				}
				yield(RawRow{}, err)
				return
			}
			line, _ := reader.FieldPos(0)
			if !yield(RawRow{Line: line, Fields: record}, nil) {
				return
			}
		}
	}
}

// ListLines lazily yields the lines of r with their 1-based numbers.
func ListLines(r io.Reader) iter.Seq2[RawRow, error] {
	return func(yield func(RawRow, error) bool) {
		scanner := bufio.NewScanner(r)
		line := 0
		for scanner.Scan() {
			line++
			if !yield(RawRow{Line: line, Fields: []string{scanner.Text()}}, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(RawRow{Line: line}, err)
		}
	}
}

// RowParser turns one raw row into either a record or report metadata.
type RowParser func(row RawRow) (domain.Row, bool, error)

// CSVRowParser parses "value,kind[,description]" rows.
func CSVRowParser(source, defaultDescription string) RowParser {
	return func(row RawRow) (domain.Row, bool, error) {
		if blank(row.Fields) {
			return domain.Row{}, false, nil
		}
		parsed, err := domain.ParseCSVRow(row.Fields, source, defaultDescription)
		if err != nil {
			return domain.Row{}, false, err
		}
		return parsed, true, nil
	}
}

func blank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// ListRowParser parses bare values of a fixed kind.
func ListRowParser(kind domain.IOCKind, source, description string) RowParser {
	return func(row RawRow) (domain.Row, bool, error) {
		if len(row.Fields) == 0 {
			return domain.Row{}, false, nil
		}
		rec, ok, err := domain.ParseListLine(row.Fields[0], kind, source, description)
		if err != nil || !ok {
			return domain.Row{}, false, err
		}
		return domain.Row{Record: &rec}, true, nil
	}
}

// CollectBatch drains rows into a batch. Row errors are logged with their
// location and skipped; duplicate keys collapse onto the first row. When
// requireReport is set the batch fails with ErrMissingReportMetadata if no
// sentinel row was seen.
func CollectBatch(name string, rows iter.Seq2[RawRow, error], parse RowParser, requireReport bool, logger *zap.Logger) (ports.Batch, error) {
	batch := ports.Batch{Name: name}
	seen := make(domain.KeySet)
	haveReport := false

	reject := func(line int, err error) {
		rowErr := &domain.RowError{Source: name, Line: line, Err: err}
		reason := "malformed_row"
		if errors.Is(err, domain.ErrUnknownIOCType) {
			reason = "unknown_ioc_type"
		}
		batch.Rejected++
		observability.RecordRowRejected(reason)
		logger.Warn("row skipped",
			zap.String("file", name),
			zap.Int("line", line),
			zap.String("reason", reason),
			zap.Error(rowErr))
	}

	for row, err := range rows {
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return batch, fmt.Errorf("%w: read %s: %v", domain.ErrSourceFetch, name, err)
			}
			reject(row.Line, fmt.Errorf("%w: %v", domain.ErrMalformedRow, err))
			continue
		}

		parsed, ok, err := parse(row)
		if err != nil {
			reject(row.Line, err)
			continue
		}
		if !ok {
			continue
		}

		if parsed.Report != nil {
			batch.Report = *parsed.Report
			haveReport = true
			continue
		}

		k := parsed.Record.Key()
		if seen.Has(k) {
			logger.Debug("duplicate row collapsed",
				zap.String("file", name),
				zap.Int("line", row.Line),
				zap.String("key", k.String()))
			continue
		}
		seen[k] = struct{}{}
		batch.Records = append(batch.Records, *parsed.Record)
	}

	if requireReport && !haveReport {
		return batch, &domain.RowError{Source: name, Err: domain.ErrMissingReportMetadata}
	}
	return batch, nil
}
