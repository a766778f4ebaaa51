package e2e_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/share-sync/internal/queue"
)

// --- immediate delivery ---

func TestShare_OnlineDeliversImmediately(t *testing.T) {
	h := newHarness(t)

	outcome, reason := h.share(t, map[string]string{
		"title": "Release notes",
		"url":   "https://example.com/notes",
	}, "", nil)

	assert.Equal(t, "success", outcome)
	assert.Empty(t, reason)

	records := h.waitIngested(t, 1)
	assert.Equal(t, "Release notes", records[0].Title)
	assert.Equal(t, "https://example.com/notes", records[0].URL)

	assert.Empty(t, h.pending(t), "a delivered share must not linger in the queue")
}

func TestShare_FileBytesReachBlobStore(t *testing.T) {
	h := newHarness(t)

	data := []byte("binary payload \x00\x01\x02 with CRLF\r\ninside")

	outcome, _ := h.share(t, map[string]string{"title": "Attachment"}, "payload.bin", data)
	assert.Equal(t, "success", outcome)

	records := h.waitIngested(t, 1)
	require.NotEmpty(t, records[0].FileKey)
	assert.Equal(t, "payload.bin", records[0].FileName)

	stored, err := afero.ReadFile(h.BlobFs, records[0].FileKey)
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

// --- offline buffering and reconnect drain ---

func TestShare_OfflineQueuesThenDrainsOnReconnect(t *testing.T) {
	h := newHarness(t)
	h.Upstream.setOnline(false)

	outcome, reason := h.share(t, map[string]string{
		"text": "written while offline",
	}, "", nil)

	assert.Equal(t, "pending", outcome)
	assert.Empty(t, reason)

	entries := h.pending(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "written while offline", entries[0].Text)

	// Listen for the synced event before connectivity returns so the
	// broadcast cannot race past us.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + h.URL[len("http"):] + "/api/events"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return h.Hub.ClientCount() == 1
	}, 5*time.Second, 5*time.Millisecond)

	h.Upstream.setOnline(true)

	records := h.waitIngested(t, 1)
	assert.Equal(t, "written while offline", records[0].Text)

	h.waitQueueEmpty(t)

	_, msg, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "synced", gjson.GetBytes(msg, "kind").String())
	assert.Equal(t, entries[0].ID, gjson.GetBytes(msg, "id").Uint())
}

func TestShare_OfflineFileSurvivesQueueRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.Upstream.setOnline(false)

	data := []byte(strings.Repeat("chunky content ", 4096))

	outcome, _ := h.share(t, map[string]string{"title": "Big file"}, "big.txt", data)
	assert.Equal(t, "pending", outcome)

	h.Upstream.setOnline(true)

	records := h.waitIngested(t, 1)
	h.waitQueueEmpty(t)

	require.NotEmpty(t, records[0].FileKey)

	stored, err := afero.ReadFile(h.BlobFs, records[0].FileKey)
	require.NoError(t, err)
	assert.Equal(t, data, stored, "file bytes must survive the queue round trip")
}

// --- explicit sync command ---

func TestSyncCommand_DrainsQueuedEntry(t *testing.T) {
	h := newHarness(t)

	_, err := h.Queue.Enqueue(queue.Entry{Text: "enqueued directly"})
	require.NoError(t, err)

	resp, err := http.Post(h.URL+"/api/sync", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	records := h.waitIngested(t, 1)
	assert.Equal(t, "enqueued directly", records[0].Text)

	h.waitQueueEmpty(t)
}

// --- hard failures ---

func TestShare_MalformedBodyIsRejectedNotQueued(t *testing.T) {
	h := newHarness(t)

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Post(h.URL+"/api/share", "text/plain", strings.NewReader("not multipart"))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Location"), "shared=error")
	assert.Contains(t, resp.Header.Get("Location"), "reason=parse_failed")

	assert.Empty(t, h.pending(t), "unparseable shares must never be queued")
}
