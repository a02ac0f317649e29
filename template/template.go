// Package template provides a read-only client for the content-addressed
// template store used to enrich GENERATION prompts. Templates are keyed
// by the hex SHA-256 of their content; a fetched body that does not hash
// to its own ID is rejected.
package template

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when the store has no template for a content
// ID. Callers treat this as a soft miss: generation proceeds without
// enrichment.
var ErrNotFound = errors.New("template not found")

// Template is a fetched, possibly enriched, template body.
type Template struct {
	ContentID string
	Title     string
	// Body is the template text ready for prompt injection. HTML
	// sources are reduced to markdown before they land here.
	Body string
}

// Store fetches templates by content ID.
type Store interface {
	Fetch(ctx context.Context, contentID string) (*Template, error)
}

// verify checks that body hashes to contentID.
func verify(contentID string, body []byte) error {
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != strings.ToLower(contentID) {
		return fmt.Errorf("template %s: content hash mismatch", contentID)
	}
	return nil
}

// looksLikeHTML is a cheap sniff for bodies that need markdown
// conversion before prompt use.
func looksLikeHTML(body []byte) bool {
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") ||
		strings.Contains(head, "<!doctype html") ||
		strings.Contains(head, "<body")
}
