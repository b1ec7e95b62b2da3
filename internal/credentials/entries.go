package credentials

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/passup/api/schemas"
)

var validate = validator.New()

// Entry is one account to rotate.
type Entry struct {
	URL         string `yaml:"url" validate:"required"`
	Username    string `yaml:"username" validate:"required"`
	OldPassword string `yaml:"old_password" validate:"required"`
	// NewPassword is generated when empty.
	NewPassword string `yaml:"new_password,omitempty"`
	// Site overrides the site key otherwise derived from URL.
	Site string `yaml:"site,omitempty"`
}

// Target is what the registry resolves: the explicit site or the URL.
func (e Entry) Target() string {
	if e.Site != "" {
		return e.Site
	}
	return e.URL
}

// Parameters converts the entry into flow parameters.
func (e Entry) Parameters() schemas.Parameters {
	return schemas.Parameters{
		URL:         e.URL,
		UserName:    e.Username,
		OldPassword: e.OldPassword,
		NewPassword: e.NewPassword,
	}
}

func (e Entry) String() string {
	return fmt.Sprintf("%s (%s)", e.Username, e.Target())
}

// LoadEntries reads a YAML list of entries. Unknown keys are rejected.
func LoadEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path is user supplied
	if err != nil {
		return nil, fmt.Errorf("failed to read entries file: %w", err)
	}
	return ParseEntries(bytes.NewReader(data))
}

// ParseEntries decodes and validates a YAML list of entries.
func ParseEntries(r io.Reader) ([]Entry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var entries []Entry
	if err := dec.Decode(&entries); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse entries: %w", err)
	}
	for i, e := range entries {
		if err := validate.Struct(e); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				return nil, fmt.Errorf("entry %d: %s is %s", i, verrs[0].Field(), verrs[0].Tag())
			}
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return entries, nil
}

// WriteRotated records the now-current credentials of rotated entries at path
// with owner-only permissions. Each entry is stored with its new password as
// old_password, so the file is valid input for the next rotation. Entries
// already in the file are kept unless the same account was rotated again.
func WriteRotated(path string, entries []Entry) error {
	current := make([]Entry, len(entries))
	for i, e := range entries {
		current[i] = Entry{URL: e.URL, Site: e.Site, Username: e.Username, OldPassword: e.NewPassword}
	}
	return mergeInto(path, current, func(e Entry) string {
		return e.Target() + "\x00" + e.Username
	})
}

// WritePending records entries whose new password was submitted but never
// confirmed. They keep both passwords: the account uses one of the two, and
// running the file as a batch retries the same change. Earlier pending
// passwords of the same account are never dropped.
func WritePending(path string, entries []Entry) error {
	return mergeInto(path, entries, func(e Entry) string {
		return e.Target() + "\x00" + e.Username + "\x00" + e.NewPassword
	})
}

// mergeInto upserts entries into the entry file at path. Entries with the
// same key replace each other.
func mergeInto(path string, entries []Entry, key func(Entry) string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var merged []Entry
	if existing, err := LoadEntries(path); err == nil {
		merged = existing
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read existing entries: %w", err)
	}

	index := make(map[string]int, len(merged))
	for i, e := range merged {
		index[key(e)] = i
	}
	for _, e := range entries {
		k := key(e)
		if i, ok := index[k]; ok {
			merged[i] = e
			continue
		}
		index[k] = len(merged)
		merged = append(merged, e)
	}

	data, err := yaml.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode entries: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write entries: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(path, 0o600)
}
