package spool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/alexjbarnes/share-sync/internal/errors"
	"github.com/alexjbarnes/share-sync/internal/queue"
	"github.com/alexjbarnes/share-sync/internal/share"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQueue(t *testing.T) *queue.Queue {
	t.Helper()

	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	return q
}

type fakeDeliverer struct {
	mu        sync.Mutex
	err       error
	delivered []*share.Payload
}

func (d *fakeDeliverer) Deliver(_ context.Context, p *share.Payload) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return d.err
	}

	d.delivered = append(d.delivered, p)

	return nil
}

func writeSpoolFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

// --- ingest ---

func TestIngest_DeliversAndRemovesFile(t *testing.T) {
	dir := t.TempDir()
	d := &fakeDeliverer{}
	w := New(dir, d, testQueue(t), nil, testLogger())

	data := []byte("report contents")
	path := writeSpoolFile(t, dir, "report.pdf", data)

	require.NoError(t, w.ingest(context.Background(), path))

	require.Len(t, d.delivered, 1)
	require.True(t, d.delivered[0].HasFile())
	assert.Equal(t, "report.pdf", d.delivered[0].File.Name)
	assert.Equal(t, "application/pdf", d.delivered[0].File.MimeType)
	assert.Equal(t, data, d.delivered[0].File.Data)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "ingested file should be removed from the inbox")
}

func TestIngest_UnknownExtensionDefaultsMimeType(t *testing.T) {
	dir := t.TempDir()
	d := &fakeDeliverer{}
	w := New(dir, d, testQueue(t), nil, testLogger())

	path := writeSpoolFile(t, dir, "mystery.xyz123", []byte{1})

	require.NoError(t, w.ingest(context.Background(), path))
	require.Len(t, d.delivered, 1)
	assert.Equal(t, "application/octet-stream", d.delivered[0].File.MimeType)
}

func TestIngest_TransientFailureQueues(t *testing.T) {
	dir := t.TempDir()
	q := testQueue(t)
	d := &fakeDeliverer{err: syncerrors.Transient(errors.New("offline"))}
	w := New(dir, d, q, nil, testLogger())

	data := []byte("queued content")
	path := writeSpoolFile(t, dir, "doc.txt", data)

	require.NoError(t, w.ingest(context.Background(), path))

	// Durability passed to the queue, so the inbox copy goes away.
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	entries, err := q.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Files, 1)

	decoded, err := entries[0].Files[0].Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestIngest_RejectionSetsFileAside(t *testing.T) {
	dir := t.TempDir()
	d := &fakeDeliverer{err: syncerrors.ErrUpstreamRejected}
	w := New(dir, d, testQueue(t), nil, testLogger())

	path := writeSpoolFile(t, dir, "refused.txt", []byte("x"))

	require.NoError(t, w.ingest(context.Background(), path))

	_, err := os.Stat(path + rejectedSuffix)
	assert.NoError(t, err, "rejected file should be renamed aside")
}

func TestIngest_FilterRejectionSetsFileAside(t *testing.T) {
	dir := t.TempDir()
	d := &fakeDeliverer{}
	rules := &share.FilterRules{AllowedTypes: []string{"image/*"}}
	w := New(dir, d, testQueue(t), rules, testLogger())

	path := writeSpoolFile(t, dir, "notes.txt", []byte("x"))

	require.NoError(t, w.ingest(context.Background(), path))

	assert.Empty(t, d.delivered)

	_, err := os.Stat(path + rejectedSuffix)
	assert.NoError(t, err)
}

// --- shouldIgnore ---

func TestShouldIgnore(t *testing.T) {
	w := New(t.TempDir(), &fakeDeliverer{}, testQueue(t), nil, testLogger())

	tests := []struct {
		name string
		want bool
	}{
		{"photo.jpg", false},
		{".hidden", true},
		{"backup~", true},
		{".file.swp", true},
		{"partial.part", true},
		{"refused.txt" + rejectedSuffix, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, w.shouldIgnore(tt.name), "name %q", tt.name)
	}
}

// --- Run ---

func TestRun_IngestsPreexistingFile(t *testing.T) {
	dir := t.TempDir()
	d := &fakeDeliverer{}
	w := New(dir, d, testQueue(t), nil, testLogger())

	writeSpoolFile(t, dir, "early.txt", []byte("was here first"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = w.Run(ctx)
	}()

	// The file settles after settleDelay and is picked up by a scan.
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()

		return len(d.delivered) == 1
	}, 10*settleDelay, scanInterval)

	cancel()
	<-done

	assert.Equal(t, "was here first", string(d.delivered[0].File.Data))
}
