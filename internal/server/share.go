package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	syncerrors "github.com/alexjbarnes/share-sync/internal/errors"
	"github.com/alexjbarnes/share-sync/internal/queue"
	"github.com/alexjbarnes/share-sync/internal/share"
	"github.com/alexjbarnes/share-sync/internal/syncer"
)

const (
	// maxShareBytes caps one share request body. Large enough for any
	// realistic shared file, small enough to bound memory per request.
	// Larger bodies are rejected outright: a truncated multipart body
	// could parse into a payload with silently corrupted file bytes.
	maxShareBytes = 64 << 20 // 64MB

	// Outcome codes carried in the redirect query string.
	outcomeSuccess = "success"
	outcomePending = "pending"
	outcomeError   = "error"

	// Failure reasons attached to the error outcome.
	reasonParseFailed  = "parse_failed"
	reasonUploadFailed = "upload_failed"
	reasonUnknown      = "unknown"
)

// ShareHandler is the entry point for inbound share requests. It owns
// the one-shot read of the request body: the body is captured into a
// byte slice exactly once and every downstream step (including the
// fallback parser) operates on the captured bytes.
type ShareHandler struct {
	deliverer syncer.Deliverer
	queue     *queue.Queue
	rules     *share.FilterRules
	logger    *slog.Logger
}

// NewShareHandler creates a share receiver. rules may be nil to accept
// every file.
func NewShareHandler(d syncer.Deliverer, q *queue.Queue, rules *share.FilterRules, logger *slog.Logger) *ShareHandler {
	return &ShareHandler{
		deliverer: d,
		queue:     q,
		rules:     rules,
		logger:    logger,
	}
}

func (h *ShareHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Sole read of the request body. Everything after this line works
	// on the captured bytes, never the stream. Reading one byte past
	// the cap distinguishes an at-limit body from an over-limit one.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxShareBytes+1))
	if err != nil {
		h.logger.Warn("reading share body failed", slog.String("error", err.Error()))
		redirect(w, r, outcomeError, reasonParseFailed)

		return
	}

	if len(body) > maxShareBytes {
		h.logger.Warn("share body exceeds size limit",
			slog.Int("limit_bytes", maxShareBytes),
		)
		redirect(w, r, outcomeError, reasonUploadFailed)

		return
	}

	payload, err := share.Parse(r.Header.Get("Content-Type"), body)
	if err != nil {
		// An unparseable payload is not recoverable by retry: respond
		// with a hard failure and queue nothing.
		h.logger.Warn("share payload unparseable", slog.String("error", err.Error()))
		redirect(w, r, outcomeError, reasonParseFailed)

		return
	}

	if payload.HasFile() {
		if err := h.rules.Check(payload.File.MimeType, int64(len(payload.File.Data))); err != nil {
			h.logger.Info("file share rejected by filter rules",
				slog.String("name", payload.File.Name),
				slog.String("error", err.Error()),
			)
			redirect(w, r, outcomeError, reasonUploadFailed)

			return
		}
	}

	h.logger.Debug("share received",
		slog.Bool("file", payload.HasFile()),
		slog.Int("body_bytes", len(body)),
	)

	err = h.deliverer.Deliver(r.Context(), payload)
	if err == nil {
		redirect(w, r, outcomeSuccess, "")
		return
	}

	if !syncerrors.IsTransient(err) {
		h.logger.Warn("share delivery rejected", slog.String("error", err.Error()))
		redirect(w, r, outcomeError, reasonUploadFailed)

		return
	}

	// The upstream is unreachable; buffer the share durably and report
	// pending. The scheduler delivers it when connectivity returns.
	id, err := h.queue.Enqueue(queue.EntryFromPayload(payload))
	if err != nil {
		h.logger.Error("queueing share failed", slog.String("error", err.Error()))
		redirect(w, r, outcomeError, reasonUnknown)

		return
	}

	h.logger.Info("share queued for later delivery", slog.Uint64("id", id))
	redirect(w, r, outcomePending, "")
}

// redirect responds with a redirect to the application root carrying a
// machine-readable outcome code.
func redirect(w http.ResponseWriter, r *http.Request, outcome, reason string) {
	target := "/?shared=" + outcome
	if reason != "" {
		target += "&reason=" + url.QueryEscape(reason)
	}

	http.Redirect(w, r, target, http.StatusSeeOther)
}

// handleSyncCommand fires an explicit drain trigger.
func handleSyncCommand(commands *syncer.CommandSource, q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		commands.Fire()

		pending, err := q.Len()
		if err != nil {
			http.Error(w, "queue unavailable", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, `{"status":"draining","pending":%d}`+"\n", pending)
	}
}
