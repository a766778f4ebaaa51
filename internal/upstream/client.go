// Package upstream implements the delivery client for the ingestion
// API. A delivery writes file content to the blob store and submits the
// share record to the upstream endpoint; failures are classified as
// transient (retry later) or rejections (drop from the immediate path).
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/share-sync/internal/blob"
	syncerrors "github.com/alexjbarnes/share-sync/internal/errors"
	"github.com/alexjbarnes/share-sync/internal/share"
)

const (
	// ingestPath is the upstream endpoint that accepts share records.
	ingestPath = "/api/items"

	// healthPath is probed to detect connectivity restoration.
	healthPath = "/health"

	// httpClientTimeout is the timeout for the default HTTP client
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// Client talks to the ingestion API and the blob store.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	uploader   *blob.Uploader
	logger     *slog.Logger
}

// NewClient creates a delivery client. If httpClient is nil, a client
// with a 30-second timeout is created. baseURL must not end with a
// slash. token may be empty; when set it is sent as a Bearer token.
func NewClient(httpClient *http.Client, baseURL, token string, uploader *blob.Uploader, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		uploader:   uploader,
		logger:     logger,
	}
}

// Deliver performs the remote write for one share payload: file bytes
// go to the blob store through the upload strategy selector, then the
// record is submitted to the ingestion endpoint. Returns nil on
// confirmed success, a TransientError when the attempt should be
// retried later, and ErrUpstreamRejected when the upstream refused the
// record.
func (c *Client) Deliver(ctx context.Context, p *share.Payload) error {
	var stored *storedFile

	if p.HasFile() {
		key := objectKey(p.File.Name)

		src := &blob.BytesSource{Data: p.File.Data, Size: int64(len(p.File.Data))}

		result, err := c.uploader.Upload(ctx, key, p.File.MimeType, src)
		if err != nil {
			return fmt.Errorf("storing shared file: %w", err)
		}

		c.logger.Debug("stored shared file",
			slog.String("key", key),
			slog.Int64("bytes", result.BytesWritten),
			slog.String("strategy", result.Strategy),
		)

		stored = &storedFile{
			key:  key,
			name: p.File.Name,
			mime: p.File.MimeType,
			size: result.BytesWritten,
		}
	}

	return c.submitRecord(ctx, p, stored)
}

// Probe checks whether the upstream is reachable. Used by the
// connectivity trigger source.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("creating probe request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerrors.Transient(fmt.Errorf("probing upstream: %w", err))
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxAPIResponseBytes))

	if resp.StatusCode >= http.StatusInternalServerError {
		return syncerrors.Transient(fmt.Errorf("upstream unhealthy: status %d", resp.StatusCode))
	}

	return nil
}

type storedFile struct {
	key  string
	name string
	mime string
	size int64
}

// submitRecord POSTs the share record as multipart/form-data with the
// original field names. A stored file is referenced by its blob key
// rather than re-sent as bytes.
func (c *Client) submitRecord(ctx context.Context, p *share.Payload, stored *storedFile) error {
	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	fields := map[string]string{
		"title": p.Title,
		"text":  p.Text,
		"url":   p.URL,
	}

	for name, value := range fields {
		if value == "" {
			continue
		}

		if err := writer.WriteField(name, value); err != nil {
			return fmt.Errorf("writing field %q: %w", name, err)
		}
	}

	if stored != nil {
		fileFields := map[string]string{
			"file_key":  stored.key,
			"file_name": stored.name,
			"file_type": stored.mime,
			"file_size": strconv.FormatInt(stored.size, 10),
		}

		for name, value := range fileFields {
			if err := writer.WriteField(name, value); err != nil {
				return fmt.Errorf("writing field %q: %w", name, err)
			}
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ingestPath, &body)
	if err != nil {
		return fmt.Errorf("creating ingest request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return syncerrors.Transient(fmt.Errorf("sending ingest request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return syncerrors.Transient(fmt.Errorf("reading ingest response: %w", err))
	}

	switch {
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		if id := gjson.GetBytes(respBody, "id"); id.Exists() {
			c.logger.Debug("upstream accepted share", slog.String("item_id", id.String()))
		}

		return nil

	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return syncerrors.Transient(fmt.Errorf("upstream returned status %d: %s",
			resp.StatusCode, sanitizeResponseBody(respBody)))

	default:
		reason := gjson.GetBytes(respBody, "error").String()
		if reason == "" {
			reason = sanitizeResponseBody(respBody)
		}

		return fmt.Errorf("%w: status %d: %s", syncerrors.ErrUpstreamRejected, resp.StatusCode, reason)
	}
}

// objectKey builds a date-partitioned blob key for a shared file.
// The timestamp prefix keeps keys unique across repeated shares of the
// same filename.
func objectKey(name string) string {
	now := time.Now().UTC()

	base := path.Base(name)
	if base == "." || base == "/" || base == "" {
		base = "unnamed"
	}

	return fmt.Sprintf("shares/%s/%d-%s", now.Format("2006/01/02"), now.UnixNano(), base)
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
