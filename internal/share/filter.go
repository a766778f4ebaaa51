package share

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	syncerrors "github.com/alexjbarnes/share-sync/internal/errors"
)

// FilterRules restricts which file shares are accepted. A nil rules
// value accepts everything; text-only shares are never filtered.
type FilterRules struct {
	// AllowedTypes lists acceptable MIME types. A trailing "/*" matches
	// a whole top-level type ("image/*"). Empty means any type.
	AllowedTypes []string `yaml:"allowed_types"`

	// MaxFileSize is the maximum accepted file size in bytes.
	// Zero means unlimited.
	MaxFileSize int64 `yaml:"max_file_size"`
}

// LoadFilterRules reads filter rules from a YAML file.
func LoadFilterRules(path string) (*FilterRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading filter rules: %w", err)
	}

	rules := &FilterRules{}
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("parsing filter rules: %w", err)
	}

	return rules, nil
}

// Allow reports whether a file with the given MIME type and size is
// accepted under the current rules.
func (r *FilterRules) Allow(mimeType string, size int64) bool {
	if r == nil {
		return true
	}

	if r.MaxFileSize > 0 && size > r.MaxFileSize {
		return false
	}

	if len(r.AllowedTypes) == 0 {
		return true
	}

	for _, allowed := range r.AllowedTypes {
		if prefix, ok := strings.CutSuffix(allowed, "/*"); ok {
			if strings.HasPrefix(mimeType, prefix+"/") {
				return true
			}

			continue
		}

		if strings.EqualFold(mimeType, allowed) {
			return true
		}
	}

	return false
}

// Check returns ErrFileRejected when a file with the given MIME type
// and size fails the rules.
func (r *FilterRules) Check(mimeType string, size int64) error {
	if r.Allow(mimeType, size) {
		return nil
	}

	return fmt.Errorf("%w: %s (%d bytes)", syncerrors.ErrFileRejected, mimeType, size)
}
