package model

import (
	"fmt"
	"log/slog"
)

// ItemField names an editable field on a grading item.
type ItemField string

const (
	FieldLabel         ItemField = "label"
	FieldText          ItemField = "text"
	FieldStudentAnswer ItemField = "student_answer"
	FieldFeedback      ItemField = "feedback"
	FieldIsCorrect     ItemField = "is_correct"
	FieldScore         ItemField = "score"
	FieldMaxScore      ItemField = "max_score"
)

// HeaderField names an editable header field on the result.
type HeaderField string

const (
	HeaderSubjectName HeaderField = "subject_name"
	HeaderInstitution HeaderField = "institution"
	HeaderClassName   HeaderField = "class_name"
	HeaderTeacherName HeaderField = "teacher_name"
	HeaderExamDate    HeaderField = "exam_date"
	HeaderSummary     HeaderField = "summary"
)

// EditEffect reports what a successful mutation touched, so the caller can
// decide whether a summary refresh is due. Totals are already recomputed by
// the time ApplyFieldEdit returns; the effect never requires follow-up
// aggregation work.
type EditEffect struct {
	TotalsChanged   bool
	SummaryAffected bool
}

// ApplyFieldEdit mutates one field of one item. Writes of question-only
// fields to a context item are ignored with no mutation: context rows are
// non-scorable and the UI renders them without verdict controls, so such a
// write is a stray request rather than user intent. Mutations that touch
// Score or MaxScore recompute the totals before returning.
func (r *SessionResult) ApplyFieldEdit(itemIndex int, field ItemField, value any) (EditEffect, error) {
	if itemIndex < 0 || itemIndex >= len(r.Items) {
		return EditEffect{}, fmt.Errorf("item %d: %w", itemIndex, ErrInvalidIndex)
	}
	it := &r.Items[itemIndex]

	switch field {
	case FieldLabel:
		s, err := asString(field, value)
		if err != nil {
			return EditEffect{}, err
		}
		it.Label = s
		return EditEffect{}, nil

	case FieldText:
		s, err := asString(field, value)
		if err != nil {
			return EditEffect{}, err
		}
		it.Text = s
		return EditEffect{}, nil

	case FieldStudentAnswer, FieldFeedback:
		if it.Question == nil {
			slog.Debug("ignoring question-field edit on context item", "index", itemIndex, "field", field)
			return EditEffect{}, nil
		}
		s, err := asString(field, value)
		if err != nil {
			return EditEffect{}, err
		}
		if field == FieldStudentAnswer {
			it.Question.StudentAnswer = s
		} else {
			it.Question.Feedback = s
		}
		return EditEffect{}, nil

	case FieldIsCorrect:
		if it.Question == nil {
			slog.Debug("ignoring verdict edit on context item", "index", itemIndex, "field", field)
			return EditEffect{}, nil
		}
		b, ok := value.(bool)
		if !ok {
			return EditEffect{}, fmt.Errorf("field %s: %w", field, ErrInvalidValue)
		}
		it.Question.Verdict.IsCorrect = b
		return EditEffect{SummaryAffected: true}, nil

	case FieldScore, FieldMaxScore:
		if it.Question == nil {
			slog.Debug("ignoring verdict edit on context item", "index", itemIndex, "field", field)
			return EditEffect{}, nil
		}
		f, err := asFloat(field, value)
		if err != nil {
			return EditEffect{}, err
		}
		if field == FieldScore {
			it.Question.Verdict.Score = f
		} else {
			it.Question.Verdict.MaxScore = f
		}
		r.RecomputeTotals()
		// MaxScore edits change what the exam is worth, not how the
		// student did, so they do not warrant a summary refresh.
		return EditEffect{TotalsChanged: true, SummaryAffected: field == FieldScore}, nil

	default:
		return EditEffect{}, fmt.Errorf("unknown item field %q: %w", field, ErrInvalidVariant)
	}
}

// ApplyHeaderEdit mutates one header field. Header edits never affect the
// totals or the summary-refresh schedule.
func (r *SessionResult) ApplyHeaderEdit(field HeaderField, value string) error {
	switch field {
	case HeaderSubjectName:
		r.SubjectName = value
	case HeaderInstitution:
		r.Institution = value
	case HeaderClassName:
		r.ClassName = value
	case HeaderTeacherName:
		r.TeacherName = value
	case HeaderExamDate:
		r.ExamDate = value
	case HeaderSummary:
		r.Summary = value
	default:
		return fmt.Errorf("unknown header field %q: %w", field, ErrInvalidVariant)
	}
	return nil
}

// ApplyVerdictPatch applies a re-evaluation verdict to one question item
// and recomputes the totals. Unlike field edits, a patch aimed at a context
// item is rejected: patches come from the re-evaluation path, which only
// ever targets questions, so reaching a context row is a caller bug.
func (r *SessionResult) ApplyVerdictPatch(itemIndex int, patch VerdictPatch) error {
	if itemIndex < 0 || itemIndex >= len(r.Items) {
		return fmt.Errorf("item %d: %w", itemIndex, ErrInvalidIndex)
	}
	it := &r.Items[itemIndex]
	if it.Kind != ItemQuestion || it.Question == nil {
		return fmt.Errorf("item %d is a context block: %w", itemIndex, ErrInvalidVariant)
	}
	it.Question.Verdict.IsCorrect = patch.IsCorrect
	it.Question.Verdict.Score = patch.Score
	it.Question.Feedback = patch.Feedback
	r.RecomputeTotals()
	return nil
}

func asString(field ItemField, value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("field %s: %w", field, ErrInvalidValue)
	}
	return s, nil
}

func asFloat(field ItemField, value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("field %s: %w", field, ErrInvalidValue)
	}
}
