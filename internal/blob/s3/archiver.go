package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/steward/internal/domain"
)

var _ domain.Archiver = (*ConditionArchiver)(nil)

// TerminalConditionSource lists settled conditions for archival.
type TerminalConditionSource interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Condition, error)
}

// ConditionArchiver copies settled conditions to archive/conditions/YYYY-MM.jsonl,
// partitioned by the month of the cutoff. Records stay in the primary store.
// Re-running for the same month merges by id, so each record appears once.
type ConditionArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	source TerminalConditionSource
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewConditionArchiver creates a ConditionArchiver.
func NewConditionArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	source TerminalConditionSource,
	audit domain.AuditStore,
	logger *slog.Logger,
) *ConditionArchiver {
	return &ConditionArchiver{
		writer: writer,
		reader: reader,
		source: source,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveConditions uploads conditions settled before the cutoff and returns
// how many were not yet in the month's archive file.
func (a *ConditionArchiver) ArchiveConditions(ctx context.Context, before time.Time) (int64, error) {
	conditions, err := a.source.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive conditions query: %w", err)
	}
	if len(conditions) == 0 {
		return 0, nil
	}

	path := archivePath("conditions", before)
	existing, err := a.load(ctx, path)
	if err != nil {
		return 0, err
	}

	var added int64
	for _, c := range conditions {
		if _, ok := existing[c.ID]; !ok {
			added++
		}
		existing[c.ID] = c.View()
	}
	if added == 0 {
		return 0, nil
	}

	records := make([]domain.ConditionView, 0, len(existing))
	for _, r := range existing {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive conditions marshal: %w", err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive conditions upload: %w", err)
	}

	a.logger.InfoContext(ctx, "conditions archived",
		slog.String("path", path),
		slog.Int64("added", added),
		slog.Int("total", len(records)),
	)
	if err := a.audit.Log(ctx, "archive.conditions", map[string]any{
		"path":   path,
		"count":  added,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return added, fmt.Errorf("s3blob: archive conditions audit log: %w", err)
	}
	return added, nil
}

// load reads an existing archive file keyed by id; a missing file is empty.
func (a *ConditionArchiver) load(ctx context.Context, path string) (map[uint64]domain.ConditionView, error) {
	out := make(map[uint64]domain.ConditionView)
	body, err := a.reader.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("s3blob: read archive %s: %w", path, err)
	}
	defer body.Close()

	records, err := unmarshalJSONL[domain.ConditionView](body)
	if err != nil {
		return nil, fmt.Errorf("s3blob: parse archive %s: %w", path, err)
	}
	for _, r := range records {
		out[r.ID] = r
	}
	return out, nil
}

// archivePath partitions archives by the cutoff month:
//
//	archive/conditions/2026-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func unmarshalJSONL[T any](r io.Reader) ([]T, error) {
	var out []T
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("jsonl line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
