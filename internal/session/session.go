// Package session owns the mutable correction result for one grading
// session. All mutations are serialized through the Controller; oracle
// calls are the only suspension points. A generation counter marks work
// started before a reset as stale so late responses are dropped instead
// of applied to the wrong session.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vmartins/corrigeai/internal/credit"
	"github.com/vmartins/corrigeai/internal/model"
)

// DefaultDebounce is the quiet period after the last qualifying edit
// before the summary is regenerated.
const DefaultDebounce = 2 * time.Second

// Oracle is the remote grading capability. Implementations may be slow
// and may fail; the engine never retries on its own.
type Oracle interface {
	Grade(ctx context.Context, image []byte, mimeType, contextText string) (*model.SessionResult, error)
	Reevaluate(ctx context.Context, item model.GradingItem, contextText string) (*model.VerdictPatch, error)
	Summarize(ctx context.Context, result *model.SessionResult) (string, error)
}

// Status reports the engine's in-flight work to the presentation layer.
type Status struct {
	HasResult       bool  `json:"has_result"`
	SummaryPending  bool  `json:"summary_pending"`
	SummaryInFlight bool  `json:"summary_in_flight"`
	Reevaluating    []int `json:"reevaluating"`
}

// SubmitOutcome is the result of a successful submission. CreditWarning
// is set when the grading call succeeded but the credit commit did not;
// the result is kept either way.
type SubmitOutcome struct {
	Result        *model.SessionResult
	CreditWarning error
}

// Controller is the façade over one user's grading session.
type Controller struct {
	oracle   Oracle
	gate     *credit.Gate
	debounce time.Duration

	mu          sync.Mutex
	result      *model.SessionResult
	contextText string

	// gen is bumped on every submit and reset. Responses carry the gen
	// they were issued under and are dropped if it moved on.
	gen uint64

	// summarySeq is bumped every time the debounce is (re)armed. A fired
	// request remembers its seq; only the response whose seq is still
	// current gets applied.
	summarySeq      uint64
	summaryTimer    *time.Timer
	summaryPending  bool
	summaryInFlight bool
	inFlightSeq     uint64
	summaryCancel   context.CancelFunc

	reevaluating map[int]bool
	reevalCancel map[int]context.CancelFunc
}

// Option configures a Controller.
type Option func(*Controller)

// WithDebounce overrides the summary debounce window. Used by tests.
func WithDebounce(d time.Duration) Option {
	return func(c *Controller) { c.debounce = d }
}

// New creates a session controller. The oracle and gate are injected so
// the engine is testable with fakes.
func New(oracle Oracle, gate *credit.Gate, opts ...Option) *Controller {
	c := &Controller{
		oracle:       oracle,
		gate:         gate,
		debounce:     DefaultDebounce,
		reevaluating: make(map[int]bool),
		reevalCancel: make(map[int]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit runs the full submission sequence: authorize, grade, commit,
// ingest, recompute. It fails fast with no partial session when the gate
// denies or the oracle fails. A commit failure after a successful grading
// call is reported as a warning on the outcome, never by discarding the
// result.
func (c *Controller) Submit(ctx context.Context, image []byte, mimeType, contextText string, principal *model.User) (*SubmitOutcome, error) {
	if err := c.gate.Authorize(principal); err != nil {
		return nil, err
	}

	result, err := c.oracle.Grade(ctx, image, mimeType, contextText)
	if err != nil {
		return nil, err
	}

	var warning error
	if err := c.gate.Commit(principal); err != nil {
		slog.Warn("credit commit failed after successful grading, keeping result",
			"user_id", principal.ID, "error", err)
		warning = err
	}

	result.RecomputeTotals()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.result = result
	c.contextText = contextText
	// The oracle produced a summary as part of grading; the debounce is
	// armed only by edits made after this point.
	return &SubmitOutcome{Result: c.result.Clone(), CreditWarning: warning}, nil
}

// EditHeader mutates one header field. Header edits never touch totals
// and never schedule a summary refresh.
func (c *Controller) EditHeader(field model.HeaderField, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return model.ErrNoSession
	}
	return c.result.ApplyHeaderEdit(field, value)
}

// EditItem mutates one field of one item. Totals are recomputed before
// the call returns when the edit touched a score; edits to a question's
// score or correctness (re)arm the summary debounce.
func (c *Controller) EditItem(itemIndex int, field model.ItemField, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return model.ErrNoSession
	}
	effect, err := c.result.ApplyFieldEdit(itemIndex, field, value)
	if err != nil {
		return err
	}
	if effect.SummaryAffected {
		c.armSummaryLocked()
	}
	return nil
}

// ReevaluateItem asks the oracle to re-judge one item using its current
// edited state and the session's grading context. At most one
// re-evaluation per item may be in flight; distinct items run
// independently. On success the revised verdict is applied, totals are
// recomputed, and the summary debounce is armed.
func (c *Controller) ReevaluateItem(ctx context.Context, itemIndex int) (*model.GradingItem, error) {
	c.mu.Lock()
	if c.result == nil {
		c.mu.Unlock()
		return nil, model.ErrNoSession
	}
	if itemIndex < 0 || itemIndex >= len(c.result.Items) {
		c.mu.Unlock()
		return nil, fmt.Errorf("item %d: %w", itemIndex, model.ErrInvalidIndex)
	}
	item := c.result.Items[itemIndex]
	if item.Kind != model.ItemQuestion {
		c.mu.Unlock()
		return nil, fmt.Errorf("item %d is a context block: %w", itemIndex, model.ErrInvalidVariant)
	}
	if c.reevaluating[itemIndex] {
		c.mu.Unlock()
		return nil, model.ErrAlreadyInFlight
	}

	gen := c.gen
	snapshot := item.Clone()
	contextText := c.contextText
	callCtx, cancel := context.WithCancel(ctx)
	c.reevaluating[itemIndex] = true
	c.reevalCancel[itemIndex] = cancel
	c.mu.Unlock()

	patch, err := c.oracle.Reevaluate(callCtx, snapshot, contextText)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		// The session was reset (or resubmitted) while the oracle was
		// judging; the response belongs to a discarded result.
		slog.Debug("dropping stale re-evaluation response", "item", itemIndex)
		return nil, model.ErrNoSession
	}
	delete(c.reevaluating, itemIndex)
	delete(c.reevalCancel, itemIndex)
	if err != nil {
		return nil, err
	}
	if err := c.result.ApplyVerdictPatch(itemIndex, *patch); err != nil {
		return nil, err
	}
	c.armSummaryLocked()
	updated := c.result.Items[itemIndex].Clone()
	return &updated, nil
}

// Reset discards the session: the result is dropped, the pending debounce
// timer is cancelled, and any in-flight oracle responses become stale.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.result = nil
	c.contextText = ""
}

// Snapshot returns a deep copy of the current result, or nil if no exam
// has been submitted.
func (c *Controller) Snapshot() *model.SessionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return nil
	}
	return c.result.Clone()
}

// Status reports the current in-flight flags.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		HasResult:       c.result != nil,
		SummaryPending:  c.summaryPending,
		SummaryInFlight: c.summaryInFlight,
		Reevaluating:    make([]int, 0, len(c.reevaluating)),
	}
	for idx := range c.reevaluating {
		st.Reevaluating = append(st.Reevaluating, idx)
	}
	sort.Ints(st.Reevaluating)
	return st
}

// armSummaryLocked starts or restarts the debounce window. Bumping
// summarySeq here is what invalidates both a pending timer and any
// response still in flight: they compare their remembered seq against
// the current one before doing anything.
func (c *Controller) armSummaryLocked() {
	c.summarySeq++
	seq, gen := c.summarySeq, c.gen
	if c.summaryTimer != nil {
		c.summaryTimer.Stop()
	}
	if c.summaryCancel != nil {
		c.summaryCancel()
		c.summaryCancel = nil
	}
	c.summaryPending = true
	c.summaryTimer = time.AfterFunc(c.debounce, func() {
		c.refreshSummary(seq, gen)
	})
}

// refreshSummary runs when the debounce window elapses. It snapshots the
// result, calls the oracle without holding the lock, and applies the
// response only if no newer cycle or reset superseded it.
func (c *Controller) refreshSummary(seq, gen uint64) {
	c.mu.Lock()
	if seq != c.summarySeq || gen != c.gen || c.result == nil {
		c.mu.Unlock()
		return
	}
	c.summaryPending = false
	c.summaryInFlight = true
	c.inFlightSeq = seq
	snapshot := c.result.Clone()
	ctx, cancel := context.WithCancel(context.Background())
	c.summaryCancel = cancel
	c.mu.Unlock()

	summary, err := c.oracle.Summarize(ctx, snapshot)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlightSeq == seq {
		c.summaryInFlight = false
		c.summaryCancel = nil
	}
	if seq != c.summarySeq || gen != c.gen || c.result == nil {
		slog.Debug("dropping stale summary response")
		return
	}
	if err != nil {
		// Best-effort refinement: keep the previous summary.
		slog.Warn("summary refresh failed, keeping previous summary", "error", err)
		return
	}
	c.result.Summary = summary
}

// teardownLocked invalidates all scheduled and in-flight work for the
// current session.
func (c *Controller) teardownLocked() {
	c.gen++
	c.summarySeq++
	if c.summaryTimer != nil {
		c.summaryTimer.Stop()
		c.summaryTimer = nil
	}
	if c.summaryCancel != nil {
		c.summaryCancel()
		c.summaryCancel = nil
	}
	for _, cancel := range c.reevalCancel {
		cancel()
	}
	c.reevalCancel = make(map[int]context.CancelFunc)
	c.reevaluating = make(map[int]bool)
	c.summaryPending = false
	c.summaryInFlight = false
}
