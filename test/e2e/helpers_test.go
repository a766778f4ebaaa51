package e2e_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/share-sync/internal/blob"
	"github.com/alexjbarnes/share-sync/internal/notify"
	"github.com/alexjbarnes/share-sync/internal/queue"
	"github.com/alexjbarnes/share-sync/internal/server"
	"github.com/alexjbarnes/share-sync/internal/syncer"
	"github.com/alexjbarnes/share-sync/internal/upstream"
)

const probeInterval = 20 * time.Millisecond

// ingestedRecord is one record the fake upstream accepted.
type ingestedRecord struct {
	Title    string
	Text     string
	URL      string
	FileKey  string
	FileName string
}

// fakeUpstream is an ingestion API whose availability can be toggled.
// While offline it answers 503 on every path, which the delivery
// client treats as transient.
type fakeUpstream struct {
	mu      sync.Mutex
	online  bool
	records []ingestedRecord
}

func (u *fakeUpstream) setOnline(v bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.online = v
}

func (u *fakeUpstream) ingested() []ingestedRecord {
	u.mu.Lock()
	defer u.mu.Unlock()

	return append([]ingestedRecord(nil), u.records...)
}

func (u *fakeUpstream) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		online := u.online
		u.mu.Unlock()

		if !online {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)

		case "/api/items":
			if err := r.ParseMultipartForm(32 << 20); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			u.mu.Lock()
			u.records = append(u.records, ingestedRecord{
				Title:    r.FormValue("title"),
				Text:     r.FormValue("text"),
				URL:      r.FormValue("url"),
				FileKey:  r.FormValue("file_key"),
				FileName: r.FormValue("file_name"),
			})
			u.mu.Unlock()

			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"item-e2e"}`))

		default:
			http.NotFound(w, r)
		}
	})
}

// harness holds the full share-sync stack: the share intake server,
// the offline queue, an in-memory blob store, the notify hub, and a
// running scheduler against a toggleable fake upstream.
type harness struct {
	URL      string
	Queue    *queue.Queue
	BlobFs   afero.Fs
	Upstream *fakeUpstream
	Commands *syncer.CommandSource
	Hub      *notify.Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	up := &fakeUpstream{online: true}

	upstreamSrv := httptest.NewServer(up.handler())
	t.Cleanup(upstreamSrv.Close)

	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	fs := afero.NewMemMapFs()
	uploader := blob.NewUploader(blob.NewLocalStoreFs(fs), logger)
	client := upstream.NewClient(nil, upstreamSrv.URL, "e2e-token", uploader, logger)

	commands := syncer.NewCommandSource()
	hub := notify.NewHub(logger, commands.Fire)

	scheduler := syncer.New(q, client, hub, logger,
		commands,
		&syncer.ProbeSource{Prober: client, Interval: probeInterval, Logger: logger},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = scheduler.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	mux := server.NewMux(server.MuxConfig{
		Shares:   server.NewShareHandler(client, q, nil, logger),
		Hub:      hub,
		Commands: commands,
		Queue:    q,
		Logger:   logger,
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &harness{
		URL:      srv.URL,
		Queue:    q,
		BlobFs:   fs,
		Upstream: up,
		Commands: commands,
		Hub:      hub,
	}
}

// share POSTs a multipart share and returns the redirect outcome and
// reason query parameters.
func (h *harness) share(t *testing.T, fields map[string]string, fileName string, fileData []byte) (string, string) {
	t.Helper()

	var buf bytes.Buffer

	w := multipart.NewWriter(&buf)

	for name, value := range fields {
		require.NoError(t, w.WriteField(name, value))
	}

	if fileName != "" {
		part, err := w.CreateFormFile("attachment", fileName)
		require.NoError(t, err)

		_, err = part.Write(fileData)
		require.NoError(t, err)
	}

	require.NoError(t, w.Close())

	req, err := http.NewRequest(http.MethodPost, h.URL+"/api/share", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	target, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	return target.Query().Get("shared"), target.Query().Get("reason")
}

// pending returns the current queue entries.
func (h *harness) pending(t *testing.T) []queue.Entry {
	t.Helper()

	entries, err := h.Queue.List()
	require.NoError(t, err)

	return entries
}

// waitIngested blocks until the upstream has accepted n records.
func (h *harness) waitIngested(t *testing.T, n int) []ingestedRecord {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(h.Upstream.ingested()) >= n
	}, 10*time.Second, 10*time.Millisecond)

	return h.Upstream.ingested()
}

// waitQueueEmpty blocks until every queued entry has drained.
func (h *harness) waitQueueEmpty(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(h.pending(t)) == 0
	}, 10*time.Second, 10*time.Millisecond)
}
