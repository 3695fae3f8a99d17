// Package markdown renders model output for richer chat delivery: HTML via
// goldmark and, when an external rasterizer is configured, PNG images.
package markdown

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

// ErrImageDisabled is returned by ToImage when no rasterizer is configured.
var ErrImageDisabled = errors.New("image rendering is not configured")

const defaultImageTimeout = 30 * time.Second

// Renderer converts markdown to HTML and optionally to PNG via an external
// command that reads HTML on stdin and writes PNG to stdout.
type Renderer struct {
	md       goldmark.Markdown
	imageCmd []string
	timeout  time.Duration
}

// NewRenderer builds a renderer. imageCmd is the rasterizer argv; empty
// disables image output and ToImage degrades to ErrImageDisabled.
func NewRenderer(imageCmd []string) *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		imageCmd: imageCmd,
		timeout:  defaultImageTimeout,
	}
}

// ImageEnabled reports whether a rasterizer command is configured.
func (r *Renderer) ImageEnabled() bool { return len(r.imageCmd) > 0 }

// ToHTML renders markdown into a standalone HTML document.
func (r *Renderer) ToHTML(src string) (string, error) {
	var body bytes.Buffer
	if err := r.md.Convert([]byte(src), &body); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return wrapDocument(body.String()), nil
}

// ToImage renders markdown to PNG through the configured command. The
// command receives the HTML document on stdin and must emit PNG bytes on
// stdout; a non-zero exit or empty output is an error.
func (r *Renderer) ToImage(ctx context.Context, src string) ([]byte, error) {
	if !r.ImageEnabled() {
		return nil, ErrImageDisabled
	}
	doc, err := r.ToHTML(src)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.imageCmd[0], r.imageCmd[1:]...)
	cmd.Stdin = strings.NewReader(doc)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("render image with %s: %w: %s", r.imageCmd[0], err, msg)
		}
		return nil, fmt.Errorf("render image with %s: %w", r.imageCmd[0], err)
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("render image with %s: empty output", r.imageCmd[0])
	}
	return out.Bytes(), nil
}

func wrapDocument(body string) string {
	return `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
body { font-family: -apple-system, "Segoe UI", Helvetica, Arial, sans-serif; max-width: 860px; margin: 24px auto; padding: 0 16px; color: #1d1c1d; line-height: 1.5; }
pre { background: #f6f6f6; border: 1px solid #e0e0e0; border-radius: 6px; padding: 12px; overflow-x: auto; }
code { font-family: "SF Mono", Monaco, Consolas, monospace; font-size: 13px; }
table { border-collapse: collapse; }
th, td { border: 1px solid #d0d0d0; padding: 6px 10px; }
blockquote { border-left: 4px solid #d0d0d0; margin-left: 0; padding-left: 12px; color: #555; }
</style>
</head>
<body>
` + body + `</body>
</html>
`
}
