// Package prompts holds the oracle prompt templates, embedded at build
// time so the binary is self-contained.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"sync"
	"text/template"
)

//go:embed templates/*.txt
var templateFS embed.FS

// User-supplied text is interpolated inside tagged blocks; strip anything
// that looks like those tags so it cannot break out of its block.
var (
	gradingContextRegex     = regexp.MustCompile(`(?i)</?\s*grading-context\b[^>]*>`)
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[string]*template.Template
)

// Load parses all prompt templates. Safe to call repeatedly; parsing
// happens once.
func Load() error {
	loadOnce.Do(func() {
		templates = make(map[string]*template.Template)
		for _, name := range []string{"grade", "reevaluate", "summarize"} {
			content, err := templateFS.ReadFile("templates/" + name + ".txt")
			if err != nil {
				loadErr = fmt.Errorf("read prompt template %s: %w", name, err)
				return
			}
			tmpl, err := template.New(name).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", name, err)
				return
			}
			templates[name] = tmpl
		}
	})
	return loadErr
}

// Scrub removes prompt-structure tags from user-supplied text.
func Scrub(s string) string {
	s = gradingContextRegex.ReplaceAllString(s, "")
	s = studentAnswerRegex.ReplaceAllString(s, "")
	return systemInstructionsRegex.ReplaceAllString(s, "")
}

// GradeData holds template data for the full-exam grading prompt.
type GradeData struct {
	ContextText string
}

// ReevalData holds template data for the single-item re-evaluation prompt.
type ReevalData struct {
	Label         string
	Text          string
	Choices       []string
	StudentAnswer string
	IsCorrect     bool
	Score         float64
	MaxScore      float64
	Feedback      string
	ContextText   string
}

// SummaryData holds template data for the summary prompt.
type SummaryData struct {
	ResultJSON string
}

// Grade renders the grading system prompt.
func Grade(data GradeData) (string, error) {
	return render("grade", data)
}

// Reevaluate renders the re-evaluation system prompt.
func Reevaluate(data ReevalData) (string, error) {
	return render("reevaluate", data)
}

// Summarize renders the summary system prompt.
func Summarize(data SummaryData) (string, error) {
	return render("summarize", data)
}

func render(name string, data any) (string, error) {
	if err := Load(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := templates[name].Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return buf.String(), nil
}
