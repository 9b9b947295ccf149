package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/domain/compliance"
	"github.com/davidleathers/debt-comms-compliance/internal/domain/errors"
)

// ExportFormat represents the supported export formats
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
)

const contentPreviewRunes = 100

// ExportFilter narrows an export. Zero fields match everything.
type ExportFilter struct {
	CaseID   string
	DebtorID string
	Since    *time.Time
	Until    *time.Time
}

// Export is the structured export document
type Export struct {
	ExportedAt time.Time                         `json:"exported_at"`
	Records    []*compliance.CommunicationRecord `json:"records"`
	Flags      []*compliance.ComplianceFlag      `json:"flags"`
}

var csvHeaders = []string{
	"timestamp",
	"case_id",
	"debtor_id",
	"direction",
	"channel",
	"content_preview",
	"tone_score",
	"compliant",
	"flag_types",
}

// exporter writes records in one output format
type exporter interface {
	WriteHeader() error
	WriteRecord(record *compliance.CommunicationRecord, flagTypes []string) error
	Close() error
}

// Export writes every matching record with its flags to w. Flags are
// matched to records through their message id.
func (s *Service) Export(ctx context.Context, w io.Writer, format ExportFormat, filter ExportFilter) error {
	records, err := s.records.List(ctx, compliance.RecordFilter{
		CaseID:   filter.CaseID,
		DebtorID: filter.DebtorID,
		Since:    filter.Since,
		Until:    filter.Until,
	})
	if err != nil {
		return errors.NewInternalError("failed to list records").WithCause(err)
	}

	flags, err := s.exportFlags(ctx, filter, records)
	if err != nil {
		return err
	}

	var exp exporter
	switch format {
	case ExportFormatJSON, "":
		exp = newJSONExporter(w, s.clock.Now())
	case ExportFormatCSV:
		exp = newCSVExporter(w)
	default:
		return errors.NewValidationError("UNSUPPORTED_FORMAT", fmt.Sprintf("format %s not supported", format))
	}

	byMessage := make(map[uuid.UUID][]string)
	for _, f := range flags {
		if f.MessageID != nil {
			byMessage[*f.MessageID] = append(byMessage[*f.MessageID], string(f.FlagType))
		}
	}
	if je, ok := exp.(*jsonExporter); ok {
		je.doc.Flags = flags
	}

	if err := exp.WriteHeader(); err != nil {
		return fmt.Errorf("writing export header: %w", err)
	}
	for _, r := range records {
		if err := exp.WriteRecord(r, byMessage[r.ID]); err != nil {
			return fmt.Errorf("writing export record %s: %w", r.ID, err)
		}
	}
	if err := exp.Close(); err != nil {
		return fmt.Errorf("finishing export: %w", err)
	}

	s.logger.Info("audit export written",
		zap.String("format", string(format)),
		zap.String("case_id", filter.CaseID),
		zap.Int("records", len(records)),
		zap.Int("flags", len(flags)),
	)
	return nil
}

// exportFlags returns the flags of the exported cases. A debtor-only filter
// selects the flags of every case the debtor's records belong to.
func (s *Service) exportFlags(ctx context.Context, filter ExportFilter, records []*compliance.CommunicationRecord) ([]*compliance.ComplianceFlag, error) {
	flagFilter := compliance.FlagFilter{CaseID: filter.CaseID, Since: filter.Since, Until: filter.Until}
	if filter.DebtorID == "" || filter.CaseID != "" {
		flags, err := s.flags.List(ctx, flagFilter)
		if err != nil {
			return nil, errors.NewInternalError("failed to list flags").WithCause(err)
		}
		return flags, nil
	}

	cases := make(map[string]bool)
	for _, r := range records {
		cases[r.CaseID] = true
	}
	ids := make([]string, 0, len(cases))
	for id := range cases {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := []*compliance.ComplianceFlag{}
	for _, id := range ids {
		flagFilter.CaseID = id
		flags, err := s.flags.List(ctx, flagFilter)
		if err != nil {
			return nil, errors.NewInternalError("failed to list flags").WithCause(err)
		}
		out = append(out, flags...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// jsonExporter buffers the document and encodes it on Close
type jsonExporter struct {
	writer io.Writer
	doc    Export
}

func newJSONExporter(w io.Writer, now time.Time) *jsonExporter {
	return &jsonExporter{
		writer: w,
		doc: Export{
			ExportedAt: now,
			Records:    []*compliance.CommunicationRecord{},
			Flags:      []*compliance.ComplianceFlag{},
		},
	}
}

func (e *jsonExporter) WriteHeader() error { return nil }

func (e *jsonExporter) WriteRecord(record *compliance.CommunicationRecord, _ []string) error {
	e.doc.Records = append(e.doc.Records, record)
	return nil
}

func (e *jsonExporter) Close() error {
	if e.doc.Flags == nil {
		e.doc.Flags = []*compliance.ComplianceFlag{}
	}
	enc := json.NewEncoder(e.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(e.doc)
}

type csvExporter struct {
	writer *csv.Writer
}

func newCSVExporter(w io.Writer) *csvExporter {
	return &csvExporter{writer: csv.NewWriter(w)}
}

func (e *csvExporter) WriteHeader() error {
	return e.writer.Write(csvHeaders)
}

func (e *csvExporter) WriteRecord(record *compliance.CommunicationRecord, flagTypes []string) error {
	tone := ""
	if record.ToneScore != nil {
		tone = strconv.FormatFloat(*record.ToneScore, 'f', -1, 64)
	}

	return e.writer.Write([]string{
		record.Timestamp.UTC().Format(time.RFC3339),
		record.CaseID,
		record.DebtorID,
		string(record.Direction),
		string(record.Channel),
		preview(record.Content),
		tone,
		strconv.FormatBool(record.Compliant()),
		strings.Join(flagTypes, ";"),
	})
}

func (e *csvExporter) Close() error {
	e.writer.Flush()
	return e.writer.Error()
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= contentPreviewRunes {
		return content
	}
	return string(runes[:contentPreviewRunes])
}
