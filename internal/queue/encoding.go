package queue

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/alexjbarnes/share-sync/internal/share"
)

// encodeChunkSize is the number of raw bytes encoded per base64 chunk.
// Encoding in fixed chunks keeps every single encode call small enough
// for runtimes with per-call argument limits; 8 KiB is not a multiple
// of three, so each chunk is padded and must be decoded chunk-wise.
const encodeChunkSize = 8 * 1024

// encodedChunkLen is the encoded length of one full chunk.
var encodedChunkLen = base64.StdEncoding.EncodedLen(encodeChunkSize)

// EncodeChunked base64-encodes data in fixed-size chunks and
// concatenates the encoded segments.
func EncodeChunked(data []byte) string {
	var sb strings.Builder
	sb.Grow(base64.StdEncoding.EncodedLen(len(data)))

	for len(data) > 0 {
		n := encodeChunkSize
		if n > len(data) {
			n = len(data)
		}

		sb.WriteString(base64.StdEncoding.EncodeToString(data[:n]))
		data = data[n:]
	}

	return sb.String()
}

// DecodeChunked reverses EncodeChunked, reproducing the exact original
// byte sequence.
func DecodeChunked(encoded string) ([]byte, error) {
	out := make([]byte, 0, base64.StdEncoding.DecodedLen(len(encoded)))

	for len(encoded) > 0 {
		n := encodedChunkLen
		if n > len(encoded) {
			n = len(encoded)
		}

		chunk, err := base64.StdEncoding.DecodeString(encoded[:n])
		if err != nil {
			return nil, fmt.Errorf("decoding base64 chunk: %w", err)
		}

		out = append(out, chunk...)
		encoded = encoded[n:]
	}

	return out, nil
}

// EntryFromPayload converts a parsed share payload into a queue entry
// ready for Enqueue. File bytes are chunk-encoded to base64.
func EntryFromPayload(p *share.Payload) Entry {
	e := Entry{
		Title: p.Title,
		Text:  p.Text,
		URL:   p.URL,
	}

	if p.File != nil {
		e.Files = append(e.Files, File{
			Name: p.File.Name,
			Type: p.File.MimeType,
			Size: int64(len(p.File.Data)),
			Data: EncodeChunked(p.File.Data),
		})
	}

	return e
}

// PayloadFromEntry reconstructs a share payload from a queue entry,
// decoding file content back to raw bytes. Only the first file is
// carried; the record shape allows more but shares produce at most one.
func PayloadFromEntry(e Entry) (*share.Payload, error) {
	p := &share.Payload{
		Title: e.Title,
		Text:  e.Text,
		URL:   e.URL,
	}

	if len(e.Files) > 0 {
		f := e.Files[0]

		data, err := f.Bytes()
		if err != nil {
			return nil, fmt.Errorf("decoding queued file %q: %w", f.Name, err)
		}

		p.File = &share.SharedFile{
			Name:     f.Name,
			MimeType: f.Type,
			Data:     data,
		}
	}

	return p, nil
}
