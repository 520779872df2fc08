package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level for the credit gate.
type UserRole string

const (
	// RoleStandard users consume one credit per graded exam.
	RoleStandard UserRole = "standard"
	// RolePrivileged users bypass the credit gate entirely.
	RolePrivileged UserRole = "privileged"
)

// User represents a system user (the grading principal).
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string
	Role         UserRole
	Credits      int
	Admin        bool
	Active       bool
	CreatedAt    time.Time
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// PurchaseIntent records a request to buy additional credits. Recording the
// intent is fire-and-forget: fulfillment happens out of band.
type PurchaseIntent struct {
	ID        string
	UserID    int64
	Credits   int
	CreatedAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

type csrfCtxKey struct{}

// ContextWithCSRFToken stores the CSRF token in context.
func ContextWithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfCtxKey{}, token)
}

// CSRFTokenFromContext retrieves the CSRF token from context.
func CSRFTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(csrfCtxKey{}).(string)
	return t
}

// ItemKind discriminates the two grading item variants.
type ItemKind string

const (
	// ItemContext is shared reading material; it never contributes to totals.
	ItemContext ItemKind = "context"
	// ItemQuestion is a scored question with a verdict.
	ItemQuestion ItemKind = "question"
)

// Verdict is the correctness/score triple attached to a question item.
type Verdict struct {
	IsCorrect bool    `json:"is_correct"`
	Score     float64 `json:"score"`
	MaxScore  float64 `json:"max_score"`
}

// QuestionData holds the fields that exist only on the question variant.
type QuestionData struct {
	Choices       []string `json:"choices,omitempty"`
	StudentAnswer string   `json:"student_answer"`
	Verdict       Verdict  `json:"verdict"`
	Feedback      string   `json:"feedback"`
}

// GradingItem is one row of the corrected exam. Kind is immutable after
// creation; Question is nil exactly when Kind is ItemContext.
type GradingItem struct {
	SequenceIndex int           `json:"sequence_index"`
	Label         string        `json:"label"`
	Text          string        `json:"text"`
	Kind          ItemKind      `json:"kind"`
	Question      *QuestionData `json:"question,omitempty"`
}

// Clone returns a deep copy of the item.
func (it GradingItem) Clone() GradingItem {
	out := it
	if it.Question != nil {
		q := *it.Question
		q.Choices = append([]string(nil), it.Question.Choices...)
		out.Question = &q
	}
	return out
}

// VerdictPatch is the revised verdict returned by a per-item re-evaluation.
// MaxScore is deliberately absent: re-judging never changes what a question
// is worth.
type VerdictPatch struct {
	IsCorrect bool    `json:"is_correct"`
	Score     float64 `json:"score"`
	Feedback  string  `json:"feedback"`
}

// SessionResult is the whole correction result for one grading session.
// TotalScore and MaxTotalScore are derived: they are written only by
// RecomputeTotals, never directly.
type SessionResult struct {
	SubjectName    string        `json:"subject_name"`
	Institution    string        `json:"institution"`
	ClassName      string        `json:"class_name"`
	TeacherName    string        `json:"teacher_name"`
	ExamDate       string        `json:"exam_date"`
	Summary        string        `json:"summary"`
	FullTranscript string        `json:"full_transcript"`
	Items          []GradingItem `json:"items"`
	TotalScore     float64       `json:"total_score"`
	MaxTotalScore  float64       `json:"max_total_score"`
}

// Clone returns a deep copy of the result.
func (r *SessionResult) Clone() *SessionResult {
	out := *r
	out.Items = make([]GradingItem, len(r.Items))
	for i, it := range r.Items {
		out.Items[i] = it.Clone()
	}
	return &out
}
