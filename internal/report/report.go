// Package report renders a finalized correction result into a
// downloadable document. Rendering is stateless and idempotent; it never
// feeds back into the session.
package report

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/vmartins/corrigeai/internal/model"
)

// Format selects the output document type.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat validates a user-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatPDF:
		return FormatPDF, nil
	case FormatDOCX:
		return FormatDOCX, nil
	default:
		return "", fmt.Errorf("unsupported report format %q", s)
	}
}

// Render converts a correction result into document bytes.
func Render(result *model.SessionResult, format Format) ([]byte, error) {
	switch format {
	case FormatPDF:
		return renderPDF(result)
	case FormatDOCX:
		return renderDOCX(result)
	default:
		return nil, fmt.Errorf("unsupported report format %q", format)
	}
}

// lines flattens the result into the paragraph sequence both renderers
// share, as (heading, text) pairs. A pair with an empty heading is a
// plain paragraph.
func lines(r *model.SessionResult) [][2]string {
	title := r.SubjectName
	if title == "" {
		title = "Corrected exam"
	}
	out := [][2]string{{"title", title}}

	header := make([]string, 0, 4)
	for _, f := range []struct{ label, value string }{
		{"Institution", r.Institution},
		{"Class", r.ClassName},
		{"Teacher", r.TeacherName},
		{"Date", r.ExamDate},
	} {
		if f.value != "" {
			header = append(header, f.label+": "+f.value)
		}
	}
	if len(header) > 0 {
		out = append(out, [2]string{"", strings.Join(header, "  |  ")})
	}

	out = append(out, [2]string{"", fmt.Sprintf("Total: %.2f / %.2f", r.TotalScore, r.MaxTotalScore)})

	for _, it := range r.Items {
		if it.Kind == model.ItemContext {
			out = append(out, [2]string{"heading", it.Label}, [2]string{"", it.Text})
			continue
		}
		q := it.Question
		verdict := "incorrect"
		if q.Verdict.IsCorrect {
			verdict = "correct"
		}
		out = append(out,
			[2]string{"heading", fmt.Sprintf("Question %s — %.2f / %.2f (%s)", it.Label, q.Verdict.Score, q.Verdict.MaxScore, verdict)},
			[2]string{"", it.Text},
		)
		if len(q.Choices) > 0 {
			out = append(out, [2]string{"", "Choices: " + strings.Join(q.Choices, " / ")})
		}
		out = append(out, [2]string{"", "Answer: " + q.StudentAnswer})
		if q.Feedback != "" {
			out = append(out, [2]string{"", "Feedback: " + q.Feedback})
		}
	}

	if r.Summary != "" {
		out = append(out, [2]string{"heading", "Summary"}, [2]string{"", r.Summary})
	}
	return out
}

func renderPDF(r *model.SessionResult) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(r.SubjectName, true)
	pdf.AddPage()

	for _, ln := range lines(r) {
		switch ln[0] {
		case "title":
			pdf.SetFont("Helvetica", "B", 16)
			pdf.MultiCell(0, 9, tr(ln[1]), "", "L", false)
			pdf.Ln(2)
		case "heading":
			pdf.Ln(2)
			pdf.SetFont("Helvetica", "B", 12)
			pdf.MultiCell(0, 6, tr(ln[1]), "", "L", false)
		default:
			pdf.SetFont("Helvetica", "", 11)
			pdf.MultiCell(0, 5.5, tr(ln[1]), "", "L", false)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render PDF: %w", err)
	}
	return buf.Bytes(), nil
}

// renderDOCX writes a minimal WordprocessingML package: a zip with the
// content-types manifest, the package relationships, and one document
// part.
func renderDOCX(r *model.SessionResult) ([]byte, error) {
	var doc strings.Builder
	doc.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n")
	doc.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, ln := range lines(r) {
		bold := ln[0] != ""
		doc.WriteString(`<w:p><w:r>`)
		if bold {
			doc.WriteString(`<w:rPr><w:b/></w:rPr>`)
		}
		doc.WriteString(`<w:t xml:space="preserve">` + escapeXML(ln[1]) + `</w:t></w:r></w:p>`)
	}
	doc.WriteString(`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	parts := []struct{ name, content string }{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", relsXML},
		{"word/document.xml", doc.String()},
	}
	for _, p := range parts {
		w, err := zw.Create(p.name)
		if err != nil {
			return nil, fmt.Errorf("render DOCX: %w", err)
		}
		if _, err := w.Write([]byte(p.content)); err != nil {
			return nil, fmt.Errorf("render DOCX: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("render DOCX: %w", err)
	}
	return buf.Bytes(), nil
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`

const relsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`
