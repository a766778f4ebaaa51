// Package share holds the share payload model and the multipart parser
// used to decode incoming share requests.
package share

// SharedFile is a file carried by a share payload.
type SharedFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// Payload is the decoded result of one share event. Constructed once by
// the parser from the captured request body and never mutated after.
type Payload struct {
	Title string
	Text  string
	URL   string
	File  *SharedFile
}

// HasFile reports whether the payload carries file content. A payload
// with a file is classified as a file share; title/text/url remain
// attached as caption metadata.
func (p *Payload) HasFile() bool {
	return p.File != nil
}

// Empty reports whether the payload carries nothing at all.
func (p *Payload) Empty() bool {
	return p.Title == "" && p.Text == "" && p.URL == "" && p.File == nil
}
