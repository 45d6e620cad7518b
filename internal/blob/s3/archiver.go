package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeJSONL = "application/x-ndjson"
)

// Archiver copies distribution records and sweep reports to object storage.
// Payloads above the multipart threshold go through the transfer manager.
type Archiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	prefix    string
	threshold int64
}

// ArchiverOption configures an Archiver.
type ArchiverOption func(*Archiver)

// WithPrefix roots every key under prefix.
func WithPrefix(prefix string) ArchiverOption {
	return func(a *Archiver) { a.prefix = prefix }
}

// WithMultipartThreshold sets the payload size above which uploads are
// multipart.
func WithMultipartThreshold(n int64) ArchiverOption {
	return func(a *Archiver) { a.threshold = n }
}

// NewArchiver creates an Archiver. reader may be nil, in which case every
// archive call uploads.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, opts ...ArchiverOption) *Archiver {
	a := &Archiver{writer: writer, reader: reader, threshold: MinPartSize}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DistributionPath is the key of a distribution record.
//
//	distributions/<marketID>/<distributionID>.json
func DistributionPath(marketID, distributionID string) string {
	return path.Join("distributions", marketID, distributionID+".json")
}

// ReportPath is the key of a sweep report, partitioned by day.
//
//	reports/<kind>/2026-10-19/20261019T120000Z.jsonl
func ReportPath(kind string, at time.Time) string {
	at = at.UTC()
	return path.Join("reports", kind, at.Format("2006-01-02"), at.Format("20060102T150405Z")+".jsonl")
}

// ArchiveDistribution writes d as JSON and returns its key. A rollback
// overwrites the completed record with the rolled back one. Identical
// content already in the store is not uploaded again.
func (a *Archiver) ArchiveDistribution(ctx context.Context, d domain.PayoutDistribution) (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal distribution %s: %w", d.ID, err)
	}
	key := a.key(DistributionPath(d.MarketID, d.ID))

	same, err := a.unchanged(ctx, key, data)
	if err != nil {
		return "", err
	}
	if same {
		return key, nil
	}
	if err := a.upload(ctx, key, data, contentTypeJSON); err != nil {
		return "", err
	}
	return key, nil
}

// ArchiveReport uploads a JSONL report to ReportPath(kind, at) and returns
// the key.
func (a *Archiver) ArchiveReport(ctx context.Context, kind string, at time.Time, data []byte) (string, error) {
	key := a.key(ReportPath(kind, at))
	if err := a.upload(ctx, key, data, contentTypeJSONL); err != nil {
		return "", err
	}
	return key, nil
}

func (a *Archiver) key(p string) string {
	if a.prefix == "" {
		return p
	}
	return path.Join(a.prefix, p)
}

func (a *Archiver) upload(ctx context.Context, key string, data []byte, contentType string) error {
	if int64(len(data)) > a.threshold {
		return a.writer.PutMultipart(ctx, key, bytes.NewReader(data), MinPartSize)
	}
	return a.writer.Put(ctx, key, bytes.NewReader(data), contentType)
}

func (a *Archiver) unchanged(ctx context.Context, key string, data []byte) (bool, error) {
	if a.reader == nil {
		return false, nil
	}
	ok, err := a.reader.Exists(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	body, err := a.reader.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer body.Close()

	stored, err := io.ReadAll(body)
	if err != nil {
		return false, fmt.Errorf("s3blob: read %s: %w", key, err)
	}
	return bytes.Equal(stored, data), nil
}

// MarshalJSONL encodes records as newline-delimited JSON.
func MarshalJSONL[T any](records []T) ([]byte, error) {
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

var _ domain.DistributionArchiver = (*Archiver)(nil)
