package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/archive"
	"rillcall/pkg/optimize"
)

const sampleArchiveVersion = "2"

var encodeBuffers = optimize.NewBufferPool(16<<10, 4<<20)

// sampleDocument is the archived form of one party's raw telemetry for a call.
type sampleDocument struct {
	Version    string                     `json:"version"`
	CallID     domain.CallID              `json:"call_id"`
	CallerID   domain.UserID              `json:"caller_id"`
	CalleeID   domain.UserID              `json:"callee_id"`
	ReportedBy domain.UserID              `json:"reported_by"`
	IsVideo    bool                       `json:"is_video"`
	Samples    []domain.TelemetrySnapshot `json:"samples"`
}

// SampleArchive writes gzipped JSON sample documents keyed by day, call id and reporter.
type SampleArchive struct {
	storage archive.Storage
}

func NewSampleArchive(storage archive.Storage) ports.SampleArchive {
	return &SampleArchive{storage: storage}
}

// ObjectName is the storage name for one party's report received at stats.ReceivedAt.
func ObjectName(stats *domain.CallStats) string {
	day := stats.ReceivedAt.UTC().Format("2006/01/02")
	return path.Join(day, string(stats.CallID)+"."+string(stats.ReportedBy)+".json.gz")
}

func (a *SampleArchive) Archive(ctx context.Context, stats *domain.CallStats) error {
	buf := encodeBuffers.Get()
	defer encodeBuffers.Put(buf)

	zw := gzip.NewWriter(buf)
	err := json.NewEncoder(zw).Encode(sampleDocument{
		Version:    sampleArchiveVersion,
		CallID:     stats.CallID,
		CallerID:   stats.CallerID,
		CalleeID:   stats.CalleeID,
		ReportedBy: stats.ReportedBy,
		IsVideo:    stats.IsVideo,
		Samples:    stats.Samples,
	})
	if err != nil {
		return fmt.Errorf("failed to encode samples: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress samples: %w", err)
	}

	if err := a.storage.Save(ctx, ObjectName(stats), bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("failed to archive samples for %s: %w", stats.CallID, err)
	}
	return nil
}

// Load reads back the samples archived under name.
func (a *SampleArchive) Load(ctx context.Context, name string) ([]domain.TelemetrySnapshot, error) {
	rc, err := a.storage.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	zr, err := gzip.NewReader(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to open archived samples: %w", err)
	}
	defer zr.Close()

	var doc sampleDocument
	if err := json.NewDecoder(io.LimitReader(zr, 64<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode archived samples: %w", err)
	}
	return doc.Samples, nil
}
