// Package parser converts uploaded documents into plain text. A fixed
// registry maps declared formats to implementations; anything outside the
// supported set fails closed before any ingestion work starts.
package parser

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupportedFormat means the file extension maps to no registered
	// parser. User-correctable; nothing is ingested.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrParse means the format was recognized but the content is malformed.
	ErrParse = errors.New("document parse failed")
)

// Parser extracts plain text from one document format family.
type Parser interface {
	// Extensions lists the file extensions (without dot) this parser accepts.
	Extensions() []string
	Parse(data []byte) (string, error)
}

// Registry dispatches parsing by declared or detected format.
type Registry struct {
	byExt map[string]Parser
}

// NewRegistry returns a registry with all supported formats registered:
// pdf, txt, md, doc/docx, pptx, py.
func NewRegistry() *Registry {
	r := &Registry{byExt: map[string]Parser{}}
	r.register(&plainTextParser{})
	r.register(&markdownParser{})
	r.register(&scriptParser{})
	r.register(&pdfParser{})
	r.register(&wordParser{})
	r.register(&presentationParser{})
	return r
}

func (r *Registry) register(p Parser) {
	for _, ext := range p.Extensions() {
		r.byExt[ext] = p
	}
}

// Supported lists the registered extensions.
func (r *Registry) Supported() []string {
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	return out
}

// Resolve returns the format key for a filename plus optional declared
// format. The declared format wins; the extension is the fallback.
func (r *Registry) Resolve(filename, declared string) (string, error) {
	format := normalizeExt(declared)
	if format == "" {
		format = normalizeExt(filepath.Ext(filename))
	}
	if format == "" {
		return "", fmt.Errorf("%w: %q has no extension and no declared format", ErrUnsupportedFormat, filename)
	}
	if _, ok := r.byExt[format]; !ok {
		return "", fmt.Errorf("%w: .%s", ErrUnsupportedFormat, format)
	}
	return format, nil
}

// Parse converts the document to plain text, dispatching on the declared
// format or the filename extension.
func (r *Registry) Parse(filename, declared string, data []byte) (string, error) {
	format, err := r.Resolve(filename, declared)
	if err != nil {
		return "", err
	}
	p := r.byExt[format]
	text, err := p.Parse(data)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: %q contains no extractable text", ErrParse, filename)
	}
	return text, nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	ext = strings.TrimPrefix(ext, ".")
	return ext
}
