// ABOUTME: Tests for the markdown discussion board
// ABOUTME: Covers creation, append formatting, reopen and HTML rendering

package board

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesFileWithHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "board.md")

	b, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, b.Path())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, header, string(data))
}

func TestOpen_KeepsExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.md")
	require.NoError(t, os.WriteFile(path, []byte("# Old\n\nkept\n"), 0644))

	b, err := Open(path, nil)
	require.NoError(t, err)

	data, err := b.Markdown()
	require.NoError(t, err)
	assert.Equal(t, "# Old\n\nkept\n", string(data))
}

func TestAppend_FormatsPost(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "board.md"), nil)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	require.NoError(t, b.Append(t.Context(), Post{
		Author:      "alice",
		Role:        "researcher",
		Perspective: "skeptic",
		Text:        "  Check the **benchmarks** first.\n",
		At:          at,
	}))
	require.NoError(t, b.Append(t.Context(), Post{Author: "bob", Text: "ok", At: at}))

	data, err := b.Markdown()
	require.NoError(t, err)
	assert.Contains(t, string(data), "### alice (researcher, skeptic) · 2026-03-01T12:30:00Z\n\nCheck the **benchmarks** first.\n\n")
	assert.Contains(t, string(data), "### bob · 2026-03-01T12:30:00Z\n\nok\n\n")
}

func TestAppend_Concurrent(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "board.md"), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			_ = b.Append(t.Context(), Post{Author: "a", Text: "line", At: time.Now()})
		})
	}
	wg.Wait()

	data, err := b.Markdown()
	require.NoError(t, err)
	assert.Equal(t, 20, strings.Count(string(data), "### a"))
}

func TestRender_HTMLWithoutRawHTML(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "board.md"), nil)
	require.NoError(t, err)

	require.NoError(t, b.Append(t.Context(), Post{
		Author: "mallory",
		Text:   "**bold** <script>alert(1)</script>",
		At:     time.Now(),
	}))

	var out bytes.Buffer
	require.NoError(t, b.Render(&out))

	html := out.String()
	assert.Contains(t, html, "<h1>Harmony Discussion Board</h1>")
	assert.Contains(t, html, "<strong>bold</strong>")
	assert.NotContains(t, html, "<script>")
}
