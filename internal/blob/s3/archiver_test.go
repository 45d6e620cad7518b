package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

type memBlobs struct {
	objects   map[string][]byte
	puts      int
	multipart int
	failPut   error
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, p string, data io.Reader, _ string) error {
	if m.failPut != nil {
		return m.failPut
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.puts++
	m.objects[p] = b
	return nil
}

func (m *memBlobs) PutMultipart(_ context.Context, p string, data io.Reader, _ int64) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.multipart++
	m.objects[p] = b
	return nil
}

func (m *memBlobs) Get(_ context.Context, p string) (io.ReadCloser, error) {
	b, ok := m.objects[p]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) Exists(_ context.Context, p string) (bool, error) {
	_, ok := m.objects[p]
	return ok, nil
}

func distribution() domain.PayoutDistribution {
	return domain.PayoutDistribution{
		ID:              "dist-1",
		MarketID:        "m1",
		WinningOptionID: "yes",
		TotalPool:       1000,
		Status:          domain.DistributionStatusCompleted,
		CreatedAt:       time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	}
}

func TestArchiveDistribution(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	a := NewArchiver(blobs, blobs, WithPrefix("prod"))

	key, err := a.ArchiveDistribution(ctx, distribution())
	require.NoError(t, err)
	assert.Equal(t, "prod/distributions/m1/dist-1.json", key)
	assert.Contains(t, string(blobs.objects[key]), `"winningOptionId": "yes"`)
	assert.Equal(t, 1, blobs.puts)

	// Same content is not uploaded twice.
	_, err = a.ArchiveDistribution(ctx, distribution())
	require.NoError(t, err)
	assert.Equal(t, 1, blobs.puts)

	rolled := distribution()
	rolled.Status = domain.DistributionStatusRolledBack
	_, err = a.ArchiveDistribution(ctx, rolled)
	require.NoError(t, err)
	assert.Equal(t, 2, blobs.puts)
	assert.Contains(t, string(blobs.objects[key]), `"status": "rolled_back"`)
}

func TestArchiveDistributionWithoutReader(t *testing.T) {
	blobs := newMemBlobs()
	a := NewArchiver(blobs, nil)

	for range 2 {
		_, err := a.ArchiveDistribution(context.Background(), distribution())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, blobs.puts)
}

func TestArchiveDistributionUploadError(t *testing.T) {
	blobs := newMemBlobs()
	blobs.failPut = errors.New("bucket gone")
	a := NewArchiver(blobs, blobs)

	_, err := a.ArchiveDistribution(context.Background(), distribution())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
}

func TestArchiveReportMultipartAboveThreshold(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	a := NewArchiver(blobs, nil, WithMultipartThreshold(16))
	at := time.Date(2026, 10, 19, 12, 30, 0, 0, time.UTC)

	key, err := a.ArchiveReport(ctx, "integrity", at, []byte("{}\n"))
	require.NoError(t, err)
	assert.Equal(t, "reports/integrity/2026-10-19/20261019T123000Z.jsonl", key)
	assert.Equal(t, 1, blobs.puts)
	assert.Zero(t, blobs.multipart)

	_, err = a.ArchiveReport(ctx, "integrity", at.Add(time.Hour), []byte(strings.Repeat("x", 17)))
	require.NoError(t, err)
	assert.Equal(t, 1, blobs.multipart)
}

func TestMarshalJSONL(t *testing.T) {
	type row struct {
		ID string `json:"id"`
		N  int    `json:"n"`
	}
	data, err := MarshalJSONL([]row{{"a", 1}, {"b<", 2}})
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":\"a\",\"n\":1}\n{\"id\":\"b<\",\"n\":2}\n", string(data))

	empty, err := MarshalJSONL([]row{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio.local", normaliseEndpoint("minio.local", true))
	assert.Equal(t, "http://minio.local", normaliseEndpoint("minio.local", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
}
