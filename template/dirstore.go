package template

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DirStore serves templates from a local directory where each file is
// named by the hex SHA-256 of its content.
type DirStore struct {
	dir  string
	conv *converter
}

// NewDirStore creates a directory-backed template store.
func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir, conv: newConverter()}
}

// Fetch reads and verifies a template file.
func (d *DirStore) Fetch(ctx context.Context, contentID string) (*Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validContentID(contentID) {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(filepath.Join(d.dir, contentID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := verify(contentID, body); err != nil {
		return nil, err
	}

	tmpl := &Template{ContentID: contentID, Body: string(body)}
	if looksLikeHTML(body) {
		title, markdown, err := d.conv.convert(body)
		if err != nil {
			return nil, err
		}
		tmpl.Title = title
		tmpl.Body = markdown
	}
	return tmpl, nil
}

// validContentID rejects IDs that are not a hex SHA-256, which also
// keeps path traversal out of the filename join.
func validContentID(id string) bool {
	if len(id) != 64 {
		return false
	}
	for _, r := range strings.ToLower(id) {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
