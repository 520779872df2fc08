// Package llm implements the grading oracle over an OpenAI-compatible
// chat completion API. The engine treats it as an opaque capability with
// three operations: grade a scanned exam, re-judge one item, summarize a
// result.
package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/vmartins/corrigeai/internal/llm/prompts"
	"github.com/vmartins/corrigeai/internal/model"
)

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new oracle client.
func New(baseURL, apiKey, modelName string) (*Client, error) {
	if err := prompts.Load(); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}, nil
}

// Ping verifies the endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("LLM endpoint unreachable: %w", err)
	}
	return nil
}

// wireItem is one grading item as the model returns it.
type wireItem struct {
	Label         string   `json:"label"`
	Kind          string   `json:"kind"`
	Text          string   `json:"text"`
	Choices       []string `json:"choices"`
	StudentAnswer string   `json:"student_answer"`
	IsCorrect     bool     `json:"is_correct"`
	Score         float64  `json:"score"`
	MaxScore      float64  `json:"max_score"`
	Feedback      string   `json:"feedback"`
}

// wireResult is the full grading payload. Optional header fields simply
// unmarshal to empty strings when the model omits them.
type wireResult struct {
	SubjectName    string     `json:"subject_name"`
	Institution    string     `json:"institution"`
	ClassName      string     `json:"class_name"`
	TeacherName    string     `json:"teacher_name"`
	ExamDate       string     `json:"exam_date"`
	Summary        string     `json:"summary"`
	FullTranscript string     `json:"full_transcript"`
	Items          []wireItem `json:"items"`
}

// Grade sends the scanned exam image plus the user's grading context and
// returns the structured correction. Totals are left for the caller to
// derive.
func (c *Client) Grade(ctx context.Context, image []byte, mimeType, contextText string) (*model.SessionResult, error) {
	systemPrompt, err := prompts.Grade(prompts.GradeData{ContextText: prompts.Scrub(contextText)})
	if err != nil {
		return nil, err
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: "Correct this scanned exam."},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailAuto,
						},
					},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrOracleUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", model.ErrMalformedResponse)
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("grade response", "raw", raw)
	return parseGradeResponse([]byte(raw))
}

// Reevaluate re-judges one item using its current edited state plus the
// session's grading context.
func (c *Client) Reevaluate(ctx context.Context, item model.GradingItem, contextText string) (*model.VerdictPatch, error) {
	if item.Question == nil {
		return nil, fmt.Errorf("item %q has no verdict: %w", item.Label, model.ErrInvalidVariant)
	}
	systemPrompt, err := prompts.Reevaluate(prompts.ReevalData{
		Label:         item.Label,
		Text:          item.Text,
		Choices:       item.Question.Choices,
		StudentAnswer: prompts.Scrub(item.Question.StudentAnswer),
		Score:         item.Question.Verdict.Score,
		MaxScore:      item.Question.Verdict.MaxScore,
		IsCorrect:     item.Question.Verdict.IsCorrect,
		Feedback:      item.Question.Feedback,
		ContextText:   prompts.Scrub(contextText),
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Re-evaluate this question now."},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrOracleUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", model.ErrMalformedResponse)
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("reevaluate response", "raw", raw)
	return parseVerdictPatch([]byte(raw))
}

// Summarize produces a fresh natural-language summary of the (possibly
// edited) correction result.
func (c *Client) Summarize(ctx context.Context, result *model.SessionResult) (string, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	systemPrompt, err := prompts.Summarize(prompts.SummaryData{ResultJSON: string(resultJSON)})
	if err != nil {
		return "", err
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Write the summary now."},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrOracleUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", model.ErrMalformedResponse)
	}

	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", fmt.Errorf("%w: empty summary", model.ErrMalformedResponse)
	}
	return summary, nil
}

func parseGradeResponse(raw []byte) (*model.SessionResult, error) {
	var wire wireResult
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v (raw: %s)", model.ErrMalformedResponse, err, truncate(string(raw), 200))
	}
	if len(wire.Items) == 0 {
		return nil, fmt.Errorf("%w: no items in grading result", model.ErrMalformedResponse)
	}

	result := &model.SessionResult{
		SubjectName:    wire.SubjectName,
		Institution:    wire.Institution,
		ClassName:      wire.ClassName,
		TeacherName:    wire.TeacherName,
		ExamDate:       wire.ExamDate,
		Summary:        wire.Summary,
		FullTranscript: wire.FullTranscript,
		Items:          make([]model.GradingItem, 0, len(wire.Items)),
	}
	for i, wi := range wire.Items {
		item := model.GradingItem{
			SequenceIndex: i,
			Label:         wi.Label,
			Text:          wi.Text,
			Kind:          model.ItemQuestion,
		}
		if strings.EqualFold(wi.Kind, string(model.ItemContext)) {
			item.Kind = model.ItemContext
		} else {
			item.Question = &model.QuestionData{
				Choices:       wi.Choices,
				StudentAnswer: wi.StudentAnswer,
				Verdict: model.Verdict{
					IsCorrect: wi.IsCorrect,
					Score:     wi.Score,
					MaxScore:  wi.MaxScore,
				},
				Feedback: wi.Feedback,
			}
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

func parseVerdictPatch(raw []byte) (*model.VerdictPatch, error) {
	var patch model.VerdictPatch
	if err := json.Unmarshal(raw, &patch); err != nil {
		return nil, fmt.Errorf("%w: %v (raw: %s)", model.ErrMalformedResponse, err, truncate(string(raw), 200))
	}
	return &patch, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
