package template

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contentID(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func writeTemplate(t *testing.T, dir string, body []byte) string {
	t.Helper()
	id := contentID(body)
	require.NoError(t, os.WriteFile(filepath.Join(dir, id), body, 0o644))
	return id
}

func TestDirStoreFetchPlainText(t *testing.T) {
	dir := t.TempDir()
	body := []byte("## Dispatch template\n\nAlways check recipient first.")
	id := writeTemplate(t, dir, body)

	tmpl, err := NewDirStore(dir).Fetch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, tmpl.ContentID)
	assert.Equal(t, string(body), tmpl.Body)
}

func TestDirStoreMissingTemplate(t *testing.T) {
	id := contentID([]byte("never stored"))
	_, err := NewDirStore(t.TempDir()).Fetch(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirStoreRejectsBadContentID(t *testing.T) {
	_, err := NewDirStore(t.TempDir()).Fetch(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirStoreRejectsTamperedContent(t *testing.T) {
	dir := t.TempDir()
	id := contentID([]byte("original"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id), []byte("tampered"), 0o644))

	_, err := NewDirStore(dir).Fetch(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestDirStoreConvertsHTML(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`<!DOCTYPE html><html><head><title>Swap Guide</title></head>
<body><article><h1>Swap Guide</h1><p>Quote before you commit.</p></article></body></html>`)
	id := writeTemplate(t, dir, body)

	tmpl, err := NewDirStore(dir).Fetch(context.Background(), id)
	require.NoError(t, err)
	assert.NotContains(t, tmpl.Body, "<p>")
	assert.Contains(t, tmpl.Body, "Quote before you commit.")
}

func TestHTTPStoreFetch(t *testing.T) {
	body := []byte("plain template body")
	id := contentID(body)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/"+id {
			_, _ = w.Write(body)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := NewHTTPStore(srv.URL)

	tmpl, err := store.Fetch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, string(body), tmpl.Body)

	_, err = store.Fetch(context.Background(), contentID([]byte("other")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPStoreVerifiesHash(t *testing.T) {
	id := contentID([]byte("promised"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("delivered something else"))
	}))
	defer srv.Close()

	_, err := NewHTTPStore(srv.URL).Fetch(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}
