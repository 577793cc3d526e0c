// ABOUTME: Append-only markdown discussion board written from accepted chat messages
// ABOUTME: Rendered to HTML with goldmark for the admin /board endpoint

package board

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const header = "# Harmony Discussion Board\n\n"

// Post is one chat message on the board.
type Post struct {
	Author      string
	Role        string
	Perspective string
	Text        string
	At          time.Time
}

// Board appends posts to a markdown file.
type Board struct {
	mu     sync.Mutex
	path   string
	md     goldmark.Markdown
	logger *slog.Logger
}

// Open creates the board file if it does not exist.
func Open(path string, logger *slog.Logger) (*Board, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating board directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	switch {
	case err == nil:
		_, werr := f.WriteString(header)
		cerr := f.Close()
		if werr != nil {
			return nil, fmt.Errorf("writing board header: %w", werr)
		}
		if cerr != nil {
			return nil, fmt.Errorf("writing board header: %w", cerr)
		}
	case !os.IsExist(err):
		return nil, fmt.Errorf("creating board: %w", err)
	}

	return &Board{
		path:   path,
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger: logger.With("component", "board"),
	}, nil
}

// Path returns the board file location.
func (b *Board) Path() string {
	return b.path
}

// Append writes a post to the end of the board.
func (b *Board) Append(_ context.Context, p Post) error {
	entry := formatPost(p)

	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening board: %w", err)
	}
	if _, err := f.WriteString(entry); err != nil {
		f.Close()
		return fmt.Errorf("appending to board: %w", err)
	}
	return f.Close()
}

func formatPost(p Post) string {
	var sb strings.Builder
	sb.WriteString("### ")
	sb.WriteString(p.Author)

	var tags []string
	if p.Role != "" {
		tags = append(tags, p.Role)
	}
	if p.Perspective != "" {
		tags = append(tags, p.Perspective)
	}
	if len(tags) > 0 {
		sb.WriteString(" (" + strings.Join(tags, ", ") + ")")
	}
	sb.WriteString(" · ")
	sb.WriteString(p.At.UTC().Format(time.RFC3339))
	sb.WriteString("\n\n")
	sb.WriteString(strings.TrimSpace(p.Text))
	sb.WriteString("\n\n")
	return sb.String()
}

// Markdown returns the raw board contents.
func (b *Board) Markdown() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return os.ReadFile(b.path)
}

var page = template.Must(template.New("board").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Harmony Discussion Board</title>
</head>
<body>
{{.}}
</body>
</html>
`))

// Render writes the board as an HTML page. Raw HTML in posts is not rendered.
func (b *Board) Render(w io.Writer) error {
	src, err := b.Markdown()
	if err != nil {
		return fmt.Errorf("reading board: %w", err)
	}

	var body bytes.Buffer
	if err := b.md.Convert(src, &body); err != nil {
		b.logger.Error("failed to convert markdown", "error", err)
		return fmt.Errorf("rendering board: %w", err)
	}

	return page.Execute(w, template.HTML(body.String()))
}
