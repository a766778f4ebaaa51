// Package server provides HTTP server construction for share-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/share-sync/internal/notify"
	"github.com/alexjbarnes/share-sync/internal/queue"
	"github.com/alexjbarnes/share-sync/internal/syncer"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Shares   *ShareHandler
	Hub      *notify.Hub
	Commands *syncer.CommandSource
	Queue    *queue.Queue
	Logger   *slog.Logger
}

// NewMux builds the HTTP mux: the share intake endpoint, the
// foreground event stream, the explicit sync command, a read-only view
// of the pending queue, and a health probe.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /api/share", cfg.Shares)
	mux.HandleFunc("GET /api/events", cfg.Hub.Handler())
	mux.HandleFunc("POST /api/sync", handleSyncCommand(cfg.Commands, cfg.Queue))
	mux.HandleFunc("GET /api/queue", handleQueueList(cfg.Queue, cfg.Logger))
	mux.HandleFunc("GET /healthz", handleHealth)

	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// pendingShare is the wire shape of one queue entry in the listing.
// File content is elided; only metadata is exposed.
type pendingShare struct {
	ID        uint64   `json:"id"`
	Title     string   `json:"title,omitempty"`
	Text      string   `json:"text,omitempty"`
	URL       string   `json:"url,omitempty"`
	Files     []string `json:"files,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// handleQueueList exposes the pending queue so a foreground client can
// show what is still awaiting delivery.
func handleQueueList(q *queue.Queue, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := q.List()
		if err != nil {
			logger.Error("listing queue failed", slog.String("error", err.Error()))
			http.Error(w, "queue unavailable", http.StatusInternalServerError)

			return
		}

		pending := make([]pendingShare, 0, len(entries))
		for _, e := range entries {
			p := pendingShare{
				ID:        e.ID,
				Title:     e.Title,
				Text:      e.Text,
				URL:       e.URL,
				Timestamp: e.Timestamp,
			}

			for _, f := range e.Files {
				p.Files = append(p.Files, f.Name)
			}

			pending = append(pending, p)
		}

		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(pending); err != nil {
			logger.Debug("writing queue listing failed", slog.String("error", err.Error()))
		}
	}
}
