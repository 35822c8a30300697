package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// plainTextParser handles .txt uploads.
type plainTextParser struct{}

func (*plainTextParser) Extensions() []string { return []string{"txt"} }

func (*plainTextParser) Parse(data []byte) (string, error) {
	return decodeText(data)
}

// scriptParser handles .py source uploads. Source is ingested verbatim;
// comments and docstrings carry most of the retrievable signal.
type scriptParser struct{}

func (*scriptParser) Extensions() []string { return []string{"py"} }

func (*scriptParser) Parse(data []byte) (string, error) {
	return decodeText(data)
}

var (
	mdHeading   = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdLink      = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdImage     = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdEmphasis  = regexp.MustCompile(`(\*{1,3}|_{1,3})([^*_]+)(\*{1,3}|_{1,3})`)
	mdCodeFence = regexp.MustCompile("(?m)^```[^\n]*$")
)

// markdownParser handles .md uploads, stripping markup down to the text.
type markdownParser struct{}

func (*markdownParser) Extensions() []string { return []string{"md"} }

func (*markdownParser) Parse(data []byte) (string, error) {
	text, err := decodeText(data)
	if err != nil {
		return "", err
	}
	text = mdImage.ReplaceAllString(text, "$1")
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdCodeFence.ReplaceAllString(text, "")
	text = mdHeading.ReplaceAllString(text, "")
	text = mdEmphasis.ReplaceAllString(text, "$2")
	text = strings.ReplaceAll(text, "`", "")
	return text, nil
}

func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF}) // UTF-8 BOM
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: content is not valid UTF-8", ErrParse)
	}
	if bytes.IndexByte(data, 0x00) >= 0 {
		return "", fmt.Errorf("%w: binary content in text upload", ErrParse)
	}
	return string(data), nil
}
