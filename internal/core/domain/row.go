package domain

import (
	"fmt"
	"strings"
)

// ReportSentinel is the first-column marker of the row carrying the batch
// report description.
const ReportSentinel = "_report"

// ReportMetadata is the batch-level information taken from the sentinel row.
type ReportMetadata struct {
	Description string
}

// Row is the result of parsing one CSV row: exactly one of Record or Report is
// set.
type Row struct {
	Record *IOCRecord
	Report *ReportMetadata
}

// ParseCSVRow parses "value,kind[,description]" or "_report,description".
// defaultDescription fills an absent or empty description column.
func ParseCSVRow(fields []string, source, defaultDescription string) (Row, error) {
	if len(fields) == 0 {
		return Row{}, fmt.Errorf("%w: no columns", ErrMalformedRow)
	}
	first := strings.TrimSpace(fields[0])

	if first == ReportSentinel {
		if len(fields) < 2 {
			return Row{}, fmt.Errorf("%w: report row without description", ErrMalformedRow)
		}
		return Row{Report: &ReportMetadata{Description: strings.TrimSpace(fields[1])}}, nil
	}

	if len(fields) < 2 {
		return Row{}, fmt.Errorf("%w: expected value,type[,description], got %d column(s)", ErrMalformedRow, len(fields))
	}
	if first == "" {
		return Row{}, fmt.Errorf("%w: empty value", ErrMalformedRow)
	}

	kind, err := Classify(fields[1])
	if err != nil {
		return Row{}, err
	}

	value := NormalizeIOCValue(first, kind)
	if err := ValidateIOCValue(value, kind); err != nil {
		return Row{}, err
	}

	description := defaultDescription
	if len(fields) > 2 {
		if d := strings.TrimSpace(fields[2]); d != "" {
			description = d
		}
	}

	return Row{Record: &IOCRecord{
		Value:       value,
		Kind:        kind,
		Description: description,
		SourceLabel: source,
	}}, nil
}

// ParseListLine parses one line of a bare value list. ok is false for blank
// and comment lines, which are not errors. Trailing "# ..." comments are cut
// for every kind except URL, where '#' starts a fragment.
func ParseListLine(line string, kind IOCKind, source, description string) (rec IOCRecord, ok bool, err error) {
	line = strings.TrimSpace(strings.TrimRight(line, "\r\n"))
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
		return IOCRecord{}, false, nil
	}
	if kind != URL {
		if idx := strings.Index(line, "#"); idx != -1 {
			line = strings.TrimSpace(line[:idx])
		}
	}

	value := NormalizeIOCValue(line, kind)
	if err := ValidateIOCValue(value, kind); err != nil {
		return IOCRecord{}, false, err
	}

	return IOCRecord{
		Value:       value,
		Kind:        kind,
		Description: description,
		SourceLabel: source,
	}, true, nil
}
