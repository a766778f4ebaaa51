package share

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"

	syncerrors "github.com/alexjbarnes/share-sync/internal/errors"
)

const (
	// maxFieldBytes caps the size of a single text field. Share titles,
	// captions and URLs are short; anything larger is hostile input.
	maxFieldBytes = 1 << 20 // 1MB

	// defaultMimeType is assumed for file parts that declare no
	// Content-Type. Some share clients omit it entirely.
	defaultMimeType = "application/octet-stream"
)

// Parse decodes a multipart share body into a Payload. It first runs
// the standard library decoder over the captured bytes; when that
// fails, it falls back to a manual byte-level decoder that tolerates
// the malformed bodies some share clients produce. Both decoders
// operate on the same captured byte slice; the original request body
// is never re-read.
//
// Returns ErrNoBoundary when the content type declares no boundary,
// ErrNoParts when no recognizable parts were found, and
// ErrEmptyPayload when the parts carried no usable content.
func Parse(contentType string, body []byte) (*Payload, error) {
	boundary, err := boundaryFrom(contentType)
	if err != nil {
		return nil, err
	}

	payload, err := parseStandard(body, boundary)
	if err != nil {
		payload, err = parseFallback(body, boundary)
		if err != nil {
			return nil, err
		}
	}

	if payload.Empty() {
		return nil, syncerrors.ErrEmptyPayload
	}

	return payload, nil
}

// boundaryFrom extracts the multipart boundary from a Content-Type
// header value.
func boundaryFrom(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// mime.ParseMediaType rejects some headers real clients send
		// (duplicate parameters, stray semicolons). Fall back to a
		// manual scan for boundary= before giving up.
		if b := scanBoundary(contentType); b != "" {
			return b, nil
		}

		return "", fmt.Errorf("%w: %s", syncerrors.ErrNoBoundary, err)
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", syncerrors.ErrNoBoundary
	}

	boundary := params["boundary"]
	if boundary == "" {
		return "", syncerrors.ErrNoBoundary
	}

	return boundary, nil
}

// scanBoundary pulls a boundary parameter out of a content-type string
// without full media-type parsing.
func scanBoundary(contentType string) string {
	const key = "boundary="

	idx := strings.Index(contentType, key)
	if idx < 0 {
		return ""
	}

	b := contentType[idx+len(key):]
	if semi := strings.IndexByte(b, ';'); semi >= 0 {
		b = b[:semi]
	}

	b = strings.TrimSpace(b)
	b = strings.Trim(b, `"`)

	return b
}

// parseStandard decodes the body with mime/multipart. All parts are
// scanned for filename presence; the first file part wins. Text parts
// are assigned by field name.
func parseStandard(body []byte, boundary string) (*Payload, error) {
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	payload := &Payload{}
	seen := 0

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("reading multipart part: %w", err)
		}

		if part.FileName() != "" {
			data, err := io.ReadAll(part)
			if err != nil {
				return nil, fmt.Errorf("reading file part: %w", err)
			}

			seen++

			// The platform does not guarantee a canonical file field
			// name; any part with a filename is the file. First wins.
			if payload.File == nil {
				payload.File = &SharedFile{
					Name:     part.FileName(),
					MimeType: partMimeType(part.Header.Get("Content-Type")),
					Data:     data,
				}
			}

			continue
		}

		value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
		if err != nil {
			return nil, fmt.Errorf("reading field part: %w", err)
		}

		seen++
		assignField(payload, part.FormName(), string(value))
	}

	if seen == 0 {
		return nil, syncerrors.ErrNoParts
	}

	return payload, nil
}

// parseFallback is the manual byte-level decoder. It delimits parts by
// scanning for --boundary, splits each part at the first CRLFCRLF into
// a header block and a raw body, and classifies parts by filename
// presence. File bytes are sliced raw and never decoded as text.
func parseFallback(body []byte, boundary string) (*Payload, error) {
	delim := []byte("--" + boundary)
	payload := &Payload{}
	seen := 0

	rest := body

	for {
		idx := bytes.Index(rest, delim)
		if idx < 0 {
			break
		}

		rest = rest[idx+len(delim):]

		// The terminal boundary carries a trailing "--"; it introduces
		// no further part.
		if bytes.HasPrefix(rest, []byte("--")) {
			break
		}

		end := bytes.Index(rest, delim)

		var segment []byte
		if end >= 0 {
			segment = rest[:end]
		} else {
			segment = rest
		}

		if parseFallbackPart(payload, segment) {
			seen++
		}

		if end < 0 {
			break
		}
	}

	if seen == 0 {
		return nil, syncerrors.ErrNoParts
	}

	return payload, nil
}

// parseFallbackPart decodes one delimited segment into payload.
// Returns false when the segment has no recognizable structure.
func parseFallbackPart(payload *Payload, segment []byte) bool {
	segment = bytes.TrimPrefix(segment, []byte("\r\n"))

	headerEnd := bytes.Index(segment, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return false
	}

	headers := string(segment[:headerEnd])

	content := segment[headerEnd+4:]
	content = bytes.TrimSuffix(content, []byte("\r\n"))

	name := headerParam(headers, "name")
	if name == "" {
		return false
	}

	filename := headerParam(headers, "filename")
	if filename != "" {
		if payload.File == nil {
			payload.File = &SharedFile{
				Name:     filename,
				MimeType: partMimeType(headerValue(headers, "Content-Type")),
				Data:     append([]byte(nil), content...),
			}
		}

		return true
	}

	// Same cap the standard decoder applies to text parts, so both
	// decoders produce identical field values on oversized input.
	if len(content) > maxFieldBytes {
		content = content[:maxFieldBytes]
	}

	assignField(payload, name, string(content))

	return true
}

// headerParam extracts a quoted Content-Disposition parameter such as
// name="..." or filename="..." from a raw header block. A plain scan
// for `name="` would also match `filename="`, so matches preceded by a
// letter are skipped.
func headerParam(headers, key string) string {
	needle := key + `="`

	for from := 0; ; {
		idx := strings.Index(headers[from:], needle)
		if idx < 0 {
			return ""
		}

		idx += from
		if idx > 0 && isTokenChar(headers[idx-1]) {
			from = idx + len(needle)
			continue
		}

		start := idx + len(needle)

		end := strings.IndexByte(headers[start:], '"')
		if end < 0 {
			return ""
		}

		return headers[start : start+end]
	}
}

func isTokenChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_'
}

// headerValue extracts the value of a header line (case-insensitive
// name match) from a raw header block.
func headerValue(headers, name string) string {
	for _, line := range strings.Split(headers, "\r\n") {
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}

		if !strings.EqualFold(strings.TrimSpace(line[:colon]), name) {
			continue
		}

		value := strings.TrimSpace(line[colon+1:])
		if semi := strings.IndexByte(value, ';'); semi >= 0 {
			value = strings.TrimSpace(value[:semi])
		}

		return value
	}

	return ""
}

func partMimeType(declared string) string {
	declared = strings.TrimSpace(declared)
	if declared == "" {
		return defaultMimeType
	}

	if semi := strings.IndexByte(declared, ';'); semi >= 0 {
		declared = strings.TrimSpace(declared[:semi])
	}

	return declared
}

// assignField maps a text part onto the payload. Unknown field names
// are ignored; values are trimmed of surrounding whitespace.
func assignField(payload *Payload, name, value string) {
	value = strings.TrimSpace(value)

	switch name {
	case "title":
		payload.Title = value
	case "text":
		payload.Text = value
	case "url":
		payload.URL = value
	}
}
