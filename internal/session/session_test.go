package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/vmartins/corrigeai/internal/credit"
	"github.com/vmartins/corrigeai/internal/model"
)

// testDebounce keeps the tests fast while leaving room for generous
// margins around the window boundaries.
const testDebounce = 100 * time.Millisecond

type fakeOracle struct {
	mu             sync.Mutex
	gradeCalls     int
	summarizeCalls []*model.SessionResult

	gradeFn      func(ctx context.Context, image []byte, mimeType, contextText string) (*model.SessionResult, error)
	reevaluateFn func(ctx context.Context, item model.GradingItem, contextText string) (*model.VerdictPatch, error)
	summarizeFn  func(ctx context.Context, result *model.SessionResult) (string, error)
}

func (f *fakeOracle) Grade(ctx context.Context, image []byte, mimeType, contextText string) (*model.SessionResult, error) {
	f.mu.Lock()
	f.gradeCalls++
	fn := f.gradeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, image, mimeType, contextText)
	}
	return twoQuestionResult(), nil
}

func (f *fakeOracle) Reevaluate(ctx context.Context, item model.GradingItem, contextText string) (*model.VerdictPatch, error) {
	f.mu.Lock()
	fn := f.reevaluateFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, item, contextText)
	}
	return &model.VerdictPatch{IsCorrect: true, Score: item.Question.Verdict.MaxScore, Feedback: "re-judged"}, nil
}

func (f *fakeOracle) Summarize(ctx context.Context, result *model.SessionResult) (string, error) {
	f.mu.Lock()
	f.summarizeCalls = append(f.summarizeCalls, result)
	fn := f.summarizeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, result)
	}
	return "refreshed summary", nil
}

func (f *fakeOracle) summarizeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.summarizeCalls)
}

func (f *fakeOracle) lastSummarized() *model.SessionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.summarizeCalls) == 0 {
		return nil
	}
	return f.summarizeCalls[len(f.summarizeCalls)-1]
}

type countingQuota struct {
	mu    sync.Mutex
	calls int
	ok    bool
	err   error
}

func (q *countingQuota) ConsumeCredit(userID int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	return q.ok, q.err
}

func (q *countingQuota) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func twoQuestionResult() *model.SessionResult {
	r := &model.SessionResult{
		SubjectName: "História",
		ClassName:   "9B",
		Summary:     "original summary",
		Items: []model.GradingItem{
			{
				SequenceIndex: 0, Label: "1", Text: "q1", Kind: model.ItemQuestion,
				Question: &model.QuestionData{
					StudentAnswer: "a1",
					Verdict:       model.Verdict{Score: 7, MaxScore: 10},
					Feedback:      "f1",
				},
			},
			{
				SequenceIndex: 1, Label: "2", Text: "q2", Kind: model.ItemQuestion,
				Question: &model.QuestionData{
					StudentAnswer: "a2",
					Verdict:       model.Verdict{Score: 3, MaxScore: 10},
					Feedback:      "f2",
				},
			},
		},
	}
	r.RecomputeTotals()
	return r
}

func standardUser(credits int) *model.User {
	return &model.User{ID: 1, Username: "aluno", Role: model.RoleStandard, Credits: credits}
}

func newEngine(t *testing.T, oracle *fakeOracle, quota *countingQuota) *Controller {
	t.Helper()
	if quota == nil {
		quota = &countingQuota{ok: true}
	}
	c := New(oracle, credit.NewGate(quota), WithDebounce(testDebounce))
	t.Cleanup(c.Reset)
	return c
}

func mustSubmit(t *testing.T, c *Controller, u *model.User) *SubmitOutcome {
	t.Helper()
	out, err := c.Submit(context.Background(), []byte("png"), "image/png", "prova de história", u)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitCommitsExactlyOnce(t *testing.T) {
	oracle := &fakeOracle{}
	quota := &countingQuota{ok: true}
	c := newEngine(t, oracle, quota)
	u := standardUser(2)

	out := mustSubmit(t, c, u)
	if out.CreditWarning != nil {
		t.Errorf("CreditWarning = %v, want nil", out.CreditWarning)
	}
	if out.Result.TotalScore != 10 || out.Result.MaxTotalScore != 20 {
		t.Errorf("totals = %v/%v, want 10/20", out.Result.TotalScore, out.Result.MaxTotalScore)
	}
	if quota.count() != 1 {
		t.Errorf("ConsumeCredit calls = %d, want 1", quota.count())
	}
	if u.Credits != 1 {
		t.Errorf("Credits = %d, want 1", u.Credits)
	}

	// Initial ingestion must not arm the summary debounce.
	time.Sleep(3 * testDebounce)
	if n := oracle.summarizeCount(); n != 0 {
		t.Errorf("summarize calls after submit = %d, want 0", n)
	}
}

func TestSubmitDeniedWithoutCredits(t *testing.T) {
	oracle := &fakeOracle{}
	quota := &countingQuota{ok: true}
	c := newEngine(t, oracle, quota)

	_, err := c.Submit(context.Background(), []byte("png"), "image/png", "", standardUser(0))
	if !errors.Is(err, model.ErrInsufficientQuota) {
		t.Fatalf("Submit = %v, want ErrInsufficientQuota", err)
	}
	if oracle.gradeCalls != 0 {
		t.Errorf("grade calls = %d, want 0 when denied", oracle.gradeCalls)
	}
	if quota.count() != 0 {
		t.Errorf("ConsumeCredit calls = %d, want 0", quota.count())
	}
}

func TestSubmitOracleFailureNeverCommits(t *testing.T) {
	oracle := &fakeOracle{
		gradeFn: func(context.Context, []byte, string, string) (*model.SessionResult, error) {
			return nil, fmt.Errorf("%w: 503", model.ErrOracleUnavailable)
		},
	}
	quota := &countingQuota{ok: true}
	c := newEngine(t, oracle, quota)
	u := standardUser(2)

	_, err := c.Submit(context.Background(), []byte("png"), "image/png", "", u)
	if !errors.Is(err, model.ErrOracleUnavailable) {
		t.Fatalf("Submit = %v, want ErrOracleUnavailable", err)
	}
	if quota.count() != 0 {
		t.Errorf("ConsumeCredit calls = %d, want 0 on failure", quota.count())
	}
	if u.Credits != 2 {
		t.Errorf("Credits = %d, want unchanged 2", u.Credits)
	}
	if c.Snapshot() != nil {
		t.Error("failed submit must not create a partial session")
	}
}

func TestSubmitKeepsResultWhenCommitFails(t *testing.T) {
	oracle := &fakeOracle{}
	quota := &countingQuota{err: errors.New("store down")}
	c := newEngine(t, oracle, quota)

	out := mustSubmit(t, c, standardUser(2))
	if !errors.Is(out.CreditWarning, model.ErrStoreUnavailable) {
		t.Errorf("CreditWarning = %v, want ErrStoreUnavailable", out.CreditWarning)
	}
	if out.Result == nil || c.Snapshot() == nil {
		t.Fatal("result must survive a failed credit commit")
	}
}

func TestPrivilegedSubmitNeverDecrements(t *testing.T) {
	oracle := &fakeOracle{}
	quota := &countingQuota{ok: true}
	c := newEngine(t, oracle, quota)
	u := &model.User{ID: 2, Role: model.RolePrivileged}

	mustSubmit(t, c, u)
	if quota.count() != 0 {
		t.Errorf("ConsumeCredit calls = %d, want 0 for privileged", quota.count())
	}
}

func TestDebounceFiresOnceAfterQuiescence(t *testing.T) {
	oracle := &fakeOracle{}
	c := newEngine(t, oracle, nil)
	mustSubmit(t, c, standardUser(1))

	// Three edits inside the window: only the last one's state matters.
	scores := []float64{5, 6, 8.5}
	for i, s := range scores {
		if err := c.EditItem(0, model.FieldScore, s); err != nil {
			t.Fatalf("EditItem: %v", err)
		}
		if i < len(scores)-1 {
			time.Sleep(testDebounce / 4)
		}
	}

	if st := c.Status(); !st.SummaryPending {
		t.Error("SummaryPending = false right after an edit, want true")
	}
	// Still inside the window: nothing may have fired yet.
	time.Sleep(testDebounce / 4)
	if n := oracle.summarizeCount(); n != 0 {
		t.Fatalf("summarize calls before window elapsed = %d, want 0", n)
	}

	waitFor(t, 10*testDebounce, "summary refresh", func() bool {
		return oracle.summarizeCount() > 0
	})
	waitFor(t, 10*testDebounce, "summary applied", func() bool {
		return c.Snapshot().Summary == "refreshed summary"
	})

	if n := oracle.summarizeCount(); n != 1 {
		t.Errorf("summarize calls = %d, want exactly 1", n)
	}
	if got := oracle.lastSummarized().Items[0].Question.Verdict.Score; got != 8.5 {
		t.Errorf("summarized snapshot score = %v, want state as of last edit 8.5", got)
	}

	st := c.Status()
	if st.SummaryPending || st.SummaryInFlight {
		t.Errorf("status after refresh = %+v, want idle", st)
	}
}

func TestNonQualifyingEditsDoNotArmDebounce(t *testing.T) {
	oracle := &fakeOracle{}
	c := newEngine(t, oracle, nil)
	mustSubmit(t, c, standardUser(1))

	if err := c.EditHeader(model.HeaderTeacherName, "Prof. Costa"); err != nil {
		t.Fatalf("EditHeader: %v", err)
	}
	if err := c.EditItem(0, model.FieldText, "reworded question"); err != nil {
		t.Fatalf("EditItem text: %v", err)
	}
	if err := c.EditItem(1, model.FieldMaxScore, 5.0); err != nil {
		t.Fatalf("EditItem max_score: %v", err)
	}

	time.Sleep(3 * testDebounce)
	if n := oracle.summarizeCount(); n != 0 {
		t.Errorf("summarize calls = %d, want 0 for non-qualifying edits", n)
	}
	if snap := c.Snapshot(); snap.MaxTotalScore != 15 {
		t.Errorf("MaxTotalScore = %v, want 15", snap.MaxTotalScore)
	}
}

func TestStaleSummaryResponseDropped(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan string)
	oracle := &fakeOracle{
		summarizeFn: func(ctx context.Context, result *model.SessionResult) (string, error) {
			started <- struct{}{}
			return <-release, nil
		},
	}
	c := newEngine(t, oracle, nil)
	mustSubmit(t, c, standardUser(1))

	if err := c.EditItem(0, model.FieldScore, 1.0); err != nil {
		t.Fatalf("EditItem: %v", err)
	}
	<-started // first refresh is now in flight

	// A newer edit supersedes the in-flight request.
	if err := c.EditItem(0, model.FieldScore, 2.0); err != nil {
		t.Fatalf("EditItem: %v", err)
	}
	release <- "stale summary"

	<-started // second refresh fires after its own window
	release <- "current summary"

	waitFor(t, 10*testDebounce, "current summary applied", func() bool {
		return c.Snapshot().Summary == "current summary"
	})
	if got := c.Snapshot().Summary; got != "current summary" {
		t.Errorf("Summary = %q, the stale response must not win", got)
	}
}

func TestSummaryFailureKeepsPreviousSummary(t *testing.T) {
	oracle := &fakeOracle{
		summarizeFn: func(context.Context, *model.SessionResult) (string, error) {
			return "", fmt.Errorf("%w: timeout", model.ErrOracleUnavailable)
		},
	}
	c := newEngine(t, oracle, nil)
	mustSubmit(t, c, standardUser(1))

	if err := c.EditItem(0, model.FieldScore, 9.0); err != nil {
		t.Fatalf("EditItem: %v", err)
	}
	waitFor(t, 10*testDebounce, "summarize attempt", func() bool {
		return oracle.summarizeCount() > 0
	})
	waitFor(t, 10*testDebounce, "back to idle", func() bool {
		st := c.Status()
		return !st.SummaryPending && !st.SummaryInFlight
	})
	if got := c.Snapshot().Summary; got != "original summary" {
		t.Errorf("Summary = %q, want previous summary kept", got)
	}
}

func TestResetCancelsPendingDebounce(t *testing.T) {
	oracle := &fakeOracle{}
	c := newEngine(t, oracle, nil)
	mustSubmit(t, c, standardUser(1))

	if err := c.EditItem(0, model.FieldScore, 9.0); err != nil {
		t.Fatalf("EditItem: %v", err)
	}
	time.Sleep(testDebounce / 4)
	c.Reset()

	time.Sleep(3 * testDebounce)
	if n := oracle.summarizeCount(); n != 0 {
		t.Errorf("summarize calls after reset = %d, want 0", n)
	}
	if c.Snapshot() != nil {
		t.Error("Snapshot after reset must be nil")
	}
}

func TestResetDropsInFlightSummary(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan string)
	oracle := &fakeOracle{
		summarizeFn: func(ctx context.Context, result *model.SessionResult) (string, error) {
			started <- struct{}{}
			return <-release, nil
		},
	}
	c := newEngine(t, oracle, nil)
	mustSubmit(t, c, standardUser(2))

	if err := c.EditItem(0, model.FieldScore, 9.0); err != nil {
		t.Fatalf("EditItem: %v", err)
	}
	<-started
	c.Reset()

	// The next session must never see the late response.
	mustSubmit(t, c, standardUser(1))
	release <- "late summary for the old session"

	time.Sleep(testDebounce)
	if got := c.Snapshot().Summary; got != "original summary" {
		t.Errorf("Summary = %q, a stale response crossed a reset", got)
	}
}

func TestReevaluateAlreadyInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	oracle := &fakeOracle{
		reevaluateFn: func(ctx context.Context, item model.GradingItem, contextText string) (*model.VerdictPatch, error) {
			started <- struct{}{}
			<-release
			return &model.VerdictPatch{IsCorrect: true, Score: 10, Feedback: "ok"}, nil
		},
	}
	c := newEngine(t, oracle, nil)
	mustSubmit(t, c, standardUser(1))

	firstDone := make(chan error, 1)
	go func() {
		_, err := c.ReevaluateItem(context.Background(), 0)
		firstDone <- err
	}()
	<-started

	if _, err := c.ReevaluateItem(context.Background(), 0); !errors.Is(err, model.ErrAlreadyInFlight) {
		t.Errorf("second call = %v, want ErrAlreadyInFlight", err)
	}
	if st := c.Status(); !reflect.DeepEqual(st.Reevaluating, []int{0}) {
		t.Errorf("Reevaluating = %v, want [0]", st.Reevaluating)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first call: %v", err)
	}

	// Once the first resolves the item is reevaluable again.
	oracle.mu.Lock()
	oracle.reevaluateFn = nil
	oracle.mu.Unlock()
	if _, err := c.ReevaluateItem(context.Background(), 0); err != nil {
		t.Errorf("third call after resolve: %v", err)
	}
}

func TestReevaluatePatchesOnlyTargetItem(t *testing.T) {
	oracle := &fakeOracle{
		reevaluateFn: func(ctx context.Context, item model.GradingItem, contextText string) (*model.VerdictPatch, error) {
			if contextText != "prova de história" {
				t.Errorf("contextText = %q, want the session grading context", contextText)
			}
			if item.Question.Verdict.Score != 6.5 {
				t.Errorf("item score = %v, want the edited state 6.5", item.Question.Verdict.Score)
			}
			return &model.VerdictPatch{IsCorrect: true, Score: 9, Feedback: "revised"}, nil
		},
	}
	c := newEngine(t, oracle, nil)
	mustSubmit(t, c, standardUser(1))

	// Edit first so re-evaluation sees the current state, not grading-time state.
	if err := c.EditItem(0, model.FieldScore, 6.5); err != nil {
		t.Fatalf("EditItem: %v", err)
	}
	before := c.Snapshot()

	updated, err := c.ReevaluateItem(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReevaluateItem: %v", err)
	}
	if !updated.Question.Verdict.IsCorrect || updated.Question.Verdict.Score != 9 || updated.Question.Feedback != "revised" {
		t.Errorf("updated item = %+v", updated.Question)
	}

	after := c.Snapshot()
	if !reflect.DeepEqual(after.Items[1], before.Items[1]) {
		t.Errorf("item 1 changed by reevaluating item 0:\n got %+v\nwant %+v", after.Items[1], before.Items[1])
	}
	if after.SubjectName != before.SubjectName || after.ClassName != before.ClassName {
		t.Error("header fields changed by re-evaluation")
	}
	if after.TotalScore != 12 {
		t.Errorf("TotalScore = %v, want 12 (9 + 3)", after.TotalScore)
	}

	// The applied patch counts as an edit for the summary debounce.
	waitFor(t, 10*testDebounce, "summary refresh after patch", func() bool {
		return oracle.summarizeCount() > 0
	})
}

func TestReevaluateFailureLeavesVerdictIntact(t *testing.T) {
	oracle := &fakeOracle{
		reevaluateFn: func(context.Context, model.GradingItem, string) (*model.VerdictPatch, error) {
			return nil, fmt.Errorf("%w: 502", model.ErrOracleUnavailable)
		},
	}
	c := newEngine(t, oracle, nil)
	mustSubmit(t, c, standardUser(1))
	before := c.Snapshot()

	_, err := c.ReevaluateItem(context.Background(), 0)
	if !errors.Is(err, model.ErrOracleUnavailable) {
		t.Fatalf("ReevaluateItem = %v, want ErrOracleUnavailable", err)
	}
	if !reflect.DeepEqual(c.Snapshot(), before) {
		t.Error("failed re-evaluation mutated the result")
	}
	if st := c.Status(); len(st.Reevaluating) != 0 {
		t.Errorf("Reevaluating = %v, want cleared flag", st.Reevaluating)
	}

	// Recoverable: the caller may retry immediately.
	oracle.mu.Lock()
	oracle.reevaluateFn = nil
	oracle.mu.Unlock()
	if _, err := c.ReevaluateItem(context.Background(), 0); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
}

func TestReevaluateValidation(t *testing.T) {
	oracle := &fakeOracle{}
	c := newEngine(t, oracle, nil)

	if _, err := c.ReevaluateItem(context.Background(), 0); !errors.Is(err, model.ErrNoSession) {
		t.Errorf("no session = %v, want ErrNoSession", err)
	}

	mustSubmit(t, c, standardUser(1))
	if _, err := c.ReevaluateItem(context.Background(), 99); !errors.Is(err, model.ErrInvalidIndex) {
		t.Errorf("bad index = %v, want ErrInvalidIndex", err)
	}

	// Context rows are not reevaluable.
	c.Reset()
	oracle.mu.Lock()
	oracle.gradeFn = func(context.Context, []byte, string, string) (*model.SessionResult, error) {
		r := twoQuestionResult()
		r.Items = append([]model.GradingItem{{Label: "Texto 1", Text: "passage", Kind: model.ItemContext}}, r.Items...)
		return r, nil
	}
	oracle.mu.Unlock()
	mustSubmit(t, c, standardUser(1))
	if _, err := c.ReevaluateItem(context.Background(), 0); !errors.Is(err, model.ErrInvalidVariant) {
		t.Errorf("context item = %v, want ErrInvalidVariant", err)
	}
}

func TestDistinctItemsReevaluateConcurrently(t *testing.T) {
	started := make(chan int, 2)
	release := make(chan struct{})
	oracle := &fakeOracle{
		reevaluateFn: func(ctx context.Context, item model.GradingItem, contextText string) (*model.VerdictPatch, error) {
			started <- item.SequenceIndex
			<-release
			return &model.VerdictPatch{IsCorrect: true, Score: item.Question.Verdict.MaxScore, Feedback: "full marks"}, nil
		},
	}
	c := newEngine(t, oracle, nil)
	mustSubmit(t, c, standardUser(1))

	done := make(chan error, 2)
	go func() {
		_, err := c.ReevaluateItem(context.Background(), 0)
		done <- err
	}()
	go func() {
		_, err := c.ReevaluateItem(context.Background(), 1)
		done <- err
	}()

	<-started
	<-started
	if st := c.Status(); !reflect.DeepEqual(st.Reevaluating, []int{0, 1}) {
		t.Errorf("Reevaluating = %v, want [0 1]", st.Reevaluating)
	}

	close(release)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent reevaluation: %v", err)
		}
	}
	snap := c.Snapshot()
	if snap.TotalScore != 20 {
		t.Errorf("TotalScore = %v, want 20 after both patches", snap.TotalScore)
	}
}

func TestEditsWithoutSession(t *testing.T) {
	c := newEngine(t, &fakeOracle{}, nil)

	if err := c.EditHeader(model.HeaderSubjectName, "x"); !errors.Is(err, model.ErrNoSession) {
		t.Errorf("EditHeader = %v, want ErrNoSession", err)
	}
	if err := c.EditItem(0, model.FieldScore, 1.0); !errors.Is(err, model.ErrNoSession) {
		t.Errorf("EditItem = %v, want ErrNoSession", err)
	}
}
