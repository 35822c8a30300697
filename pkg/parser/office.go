package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// wordParser handles .docx (OOXML) and legacy .doc uploads. OOXML archives
// are unpacked and the document part is read; legacy binaries fall back to
// salvaging printable text runs.
type wordParser struct{}

func (*wordParser) Extensions() []string { return []string{"docx", "doc"} }

func (*wordParser) Parse(data []byte) (string, error) {
	if zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data))); err == nil {
		text, err := extractOOXMLText(zr, func(name string) bool {
			return name == "word/document.xml"
		}, nil)
		if err != nil {
			return "", err
		}
		return text, nil
	}
	// Not a zip archive: legacy binary .doc.
	text := salvagePrintable(data)
	if len(text) < 32 {
		return "", fmt.Errorf("%w: no readable text in legacy word document", ErrParse)
	}
	return text, nil
}

// presentationParser handles .pptx uploads, walking the slide parts in
// slide order.
type presentationParser struct{}

func (*presentationParser) Extensions() []string { return []string{"pptx"} }

func (*presentationParser) Parse(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: not an OOXML archive: %v", ErrParse, err)
	}
	return extractOOXMLText(zr, func(name string) bool {
		return strings.HasPrefix(name, "ppt/slides/slide") && strings.HasSuffix(name, ".xml")
	}, slideOrder)
}

// slideOrder sorts ppt/slides/slideN.xml numerically so slide 10 follows 9.
func slideOrder(names []string) {
	num := func(name string) int {
		base := strings.TrimSuffix(strings.TrimPrefix(name, "ppt/slides/slide"), ".xml")
		n, err := strconv.Atoi(base)
		if err != nil {
			return 0
		}
		return n
	}
	sort.Slice(names, func(i, j int) bool { return num(names[i]) < num(names[j]) })
}

func extractOOXMLText(zr *zip.Reader, match func(string) bool, order func([]string)) (string, error) {
	var parts []string
	for _, f := range zr.File {
		if match(f.Name) {
			parts = append(parts, f.Name)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: archive has no document part", ErrParse)
	}
	if order != nil {
		order(parts)
	} else {
		sort.Strings(parts)
	}

	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byName[f.Name] = f
	}

	var b strings.Builder
	for _, name := range parts {
		rc, err := byName[name].Open()
		if err != nil {
			return "", fmt.Errorf("%w: open %s: %v", ErrParse, name, err)
		}
		text, err := xmlTextRuns(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrParse, name, err)
		}
		if text != "" {
			b.WriteString(text)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

// xmlTextRuns collects the character data of <w:t>/<a:t> run elements and
// turns paragraph ends into newlines.
func xmlTextRuns(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	depthInT := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				depthInT++
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				if depthInT > 0 {
					depthInT--
				}
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if depthInT > 0 {
				b.Write(t)
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// salvagePrintable pulls printable runs out of a binary blob. Good enough
// for legacy .doc files, which interleave text with binary records.
func salvagePrintable(data []byte) string {
	var b strings.Builder
	var run []rune
	flush := func() {
		if len(run) >= 4 {
			b.WriteString(string(run))
			b.WriteString(" ")
		}
		run = run[:0]
	}
	for _, r := range string(data) {
		if r == unicode.ReplacementChar || (!unicode.IsPrint(r) && r != '\n' && r != '\t') {
			flush()
			continue
		}
		run = append(run, r)
	}
	flush()
	return strings.TrimSpace(b.String())
}
