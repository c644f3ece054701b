package testutil

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dida1024/infoSentry/internal/model"
	"github.com/dida1024/infoSentry/internal/storage"
)

// MemStore is an in-memory implementation of the storage methods the
// pipeline, budget ledger, replay engine and dispatcher use. It keeps the
// same contracts as storage.DB: dedup on insert, finalize-once, append-only
// audit rows and atomic budget increments.
//
// FailOn makes the named method return an error, for failure injection.
type MemStore struct {
	mu sync.Mutex

	goals      map[string]model.GoalContext
	items      map[string]model.Item
	matches    map[[2]string]model.Match
	budgets    map[string]*model.BudgetState
	runs       map[uuid.UUID]*model.Run
	toolCalls  map[uuid.UUID][]model.ToolCall
	ledger     map[uuid.UUID][]model.LedgerEntry
	decisions  []model.Decision
	deliveries []*memDelivery
	nextDelID  int64

	fail map[string]error
}

type memDelivery struct {
	model.Delivery
	lockedUntil time.Time
	delivered   bool
	lastError   string
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		goals:     map[string]model.GoalContext{},
		items:     map[string]model.Item{},
		matches:   map[[2]string]model.Match{},
		budgets:   map[string]*model.BudgetState{},
		runs:      map[uuid.UUID]*model.Run{},
		toolCalls: map[uuid.UUID][]model.ToolCall{},
		ledger:    map[uuid.UUID][]model.LedgerEntry{},
		fail:      map[string]error{},
	}
}

// FailOn makes method fail with err until cleared with a nil err.
func (s *MemStore) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, method)
		return
	}
	s.fail[method] = err
}

func (s *MemStore) failure(method string) error {
	if err, ok := s.fail[method]; ok {
		return fmt.Errorf("memstore: %s: %w", method, err)
	}
	return nil
}

// AddGoal seeds a goal.
func (s *MemStore) AddGoal(g model.GoalContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goals[g.GoalID] = g
}

// AddItem seeds an item.
func (s *MemStore) AddItem(it model.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.ID] = it
}

// AddMatch seeds a stored match score.
func (s *MemStore) AddMatch(m model.Match) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches[[2]string{m.GoalID, m.ItemID}] = m
}

// AddDecision seeds an existing decision.
func (s *MemStore) AddDecision(d model.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
}

func (s *MemStore) GetGoalContext(_ context.Context, goalID string) (model.GoalContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetGoalContext"); err != nil {
		return model.GoalContext{}, err
	}
	g, ok := s.goals[goalID]
	if !ok {
		return model.GoalContext{}, fmt.Errorf("memstore: goal %s: %w", goalID, storage.ErrNotFound)
	}
	return g, nil
}

func (s *MemStore) ListGoalSchedules(_ context.Context) ([]model.GoalSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ListGoalSchedules"); err != nil {
		return nil, err
	}
	out := make([]model.GoalSchedule, 0, len(s.goals))
	for _, g := range s.goals {
		out = append(out, model.GoalSchedule{GoalID: g.GoalID, BatchWindows: g.BatchWindows, DigestSendTime: g.DigestSendTime})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GoalID < out[j].GoalID })
	return out, nil
}

func (s *MemStore) GetItem(_ context.Context, itemID string) (model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetItem"); err != nil {
		return model.Item{}, err
	}
	it, ok := s.items[itemID]
	if !ok {
		return model.Item{}, fmt.Errorf("memstore: item %s: %w", itemID, storage.ErrNotFound)
	}
	return it, nil
}

func (s *MemStore) GetHistory(_ context.Context, goalID string, since time.Time) (model.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetHistory"); err != nil {
		return model.History{}, err
	}
	h := model.History{GoalID: goalID, Since: since, ByTier: map[model.Tier]int{}}
	for _, d := range s.decisions {
		if d.GoalID != goalID || d.DecidedAt.Before(since) {
			continue
		}
		h.ByTier[d.Tier]++
		h.Total++
		if d.Tier == model.TierImmediate && (h.LastImmediateAt == nil || d.DecidedAt.After(*h.LastImmediateAt)) {
			at := d.DecidedAt.UTC()
			h.LastImmediateAt = &at
		}
	}
	return h, nil
}

func (s *MemStore) ListPendingMatches(_ context.Context, q model.MatchQuery) ([]model.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ListPendingMatches"); err != nil {
		return nil, err
	}
	var out []model.Candidate
	for _, m := range s.matches {
		if m.GoalID != q.GoalID || m.Score < q.MinScore || m.ComputedAt.Before(q.Since) {
			continue
		}
		if s.decidedLocked(m.GoalID, m.ItemID, q.ExcludeTiers) {
			continue
		}
		c := model.Candidate{
			GoalID: m.GoalID, ItemID: m.ItemID, MatchScore: m.Score,
			Features: m.Features, MatchReasons: m.Reasons,
		}
		if it, ok := s.items[m.ItemID]; ok {
			c = c.WithItem(it)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MatchScore != out[j].MatchScore {
			return out[i].MatchScore > out[j].MatchScore
		}
		return out[i].ItemID < out[j].ItemID
	})
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) decidedLocked(goalID, itemID string, tiers []model.Tier) bool {
	for _, d := range s.decisions {
		if d.GoalID == goalID && d.ItemID == itemID && slices.Contains(tiers, d.Tier) {
			return true
		}
	}
	return false
}

func (s *MemStore) InsertDecision(ctx context.Context, d model.Decision) (model.Decision, bool, error) {
	return s.EmitDecision(ctx, d, nil)
}

// EmitDecision inserts d and, when delivery is non-nil, its outbox row. Like
// the Postgres store it writes both or neither: an injected EnqueueDelivery
// failure leaves no decision behind.
func (s *MemStore) EmitDecision(_ context.Context, d model.Decision, delivery *model.DeliveryRequest) (model.Decision, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("InsertDecision"); err != nil {
		return model.Decision{}, false, err
	}
	for _, existing := range s.decisions {
		if existing.DedupKey == d.DedupKey {
			return existing, false, nil
		}
	}
	if delivery != nil {
		if err := s.failure("EnqueueDelivery"); err != nil {
			return model.Decision{}, false, err
		}
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	s.decisions = append(s.decisions, d)
	if delivery != nil {
		var runID uuid.UUID
		if d.RunID != nil {
			runID = *d.RunID
		}
		req := *delivery
		req.DecisionIDs = []uuid.UUID{d.ID}
		s.enqueueLocked(runID, req)
	}
	return d, true, nil
}

// ListUnflushedCoalesced returns PENDING coalesced decisions with a bucket
// before bucketBefore that no delivery references.
func (s *MemStore) ListUnflushedCoalesced(_ context.Context, bucketBefore time.Time, limit int) ([]model.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ListUnflushedCoalesced"); err != nil {
		return nil, err
	}
	referenced := map[uuid.UUID]bool{}
	for _, d := range s.deliveries {
		for _, id := range d.DecisionIDs {
			referenced[id] = true
		}
	}
	var out []model.Decision
	for _, d := range s.decisions {
		if d.Status == model.DeliveryPending && d.CoalesceBucket != nil &&
			d.CoalesceBucket.Before(bucketBefore) && !referenced[d.ID] {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].GoalID != out[j].GoalID {
			return out[i].GoalID < out[j].GoalID
		}
		if !out[i].CoalesceBucket.Equal(*out[j].CoalesceBucket) {
			return out[i].CoalesceBucket.Before(*out[j].CoalesceBucket)
		}
		return out[i].DecidedAt.Before(out[j].DecidedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Decisions returns a copy of all stored decisions in insert order.
func (s *MemStore) Decisions() []model.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.decisions)
}

func (s *MemStore) MarkDecisionsSent(_ context.Context, ids []uuid.UUID, at time.Time) (int64, error) {
	return s.markDecisions("MarkDecisionsSent", ids, model.DeliverySent, &at)
}

func (s *MemStore) MarkDecisionsFailed(_ context.Context, ids []uuid.UUID) (int64, error) {
	return s.markDecisions("MarkDecisionsFailed", ids, model.DeliveryFailed, nil)
}

func (s *MemStore) markDecisions(method string, ids []uuid.UUID, status model.DeliveryStatus, at *time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(method); err != nil {
		return 0, err
	}
	var n int64
	for i := range s.decisions {
		d := &s.decisions[i]
		if d.Status == model.DeliveryPending && slices.Contains(ids, d.ID) {
			d.Status = status
			d.SentAt = at
			n++
		}
	}
	return n, nil
}

func (s *MemStore) EnqueueDelivery(_ context.Context, runID uuid.UUID, req model.DeliveryRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("EnqueueDelivery"); err != nil {
		return 0, err
	}
	if len(req.DecisionIDs) == 0 {
		return 0, fmt.Errorf("memstore: enqueue delivery: no decisions")
	}
	return s.enqueueLocked(runID, req), nil
}

func (s *MemStore) enqueueLocked(runID uuid.UUID, req model.DeliveryRequest) int64 {
	s.nextDelID++
	d := &memDelivery{Delivery: model.Delivery{
		ID:          s.nextDelID,
		GoalID:      req.GoalID,
		Channel:     req.Channel,
		DecisionIDs: slices.Clone(req.DecisionIDs),
		NotBefore:   req.NotBefore,
		CreatedAt:   time.Now().UTC(),
	}}
	if runID != uuid.Nil {
		d.RunID = &runID
	}
	s.deliveries = append(s.deliveries, d)
	return d.ID
}

// Deliveries returns a copy of every enqueued delivery in enqueue order.
func (s *MemStore) Deliveries() []model.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Delivery, len(s.deliveries))
	for i, d := range s.deliveries {
		out[i] = d.Delivery
	}
	return out
}

// Delivered reports whether the outbox row id was marked delivered.
func (s *MemStore) Delivered(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliveries {
		if d.ID == id {
			return d.delivered
		}
	}
	return false
}

func (s *MemStore) ClaimDueDeliveries(_ context.Context, limit int, lease time.Duration) ([]model.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ClaimDueDeliveries"); err != nil {
		return nil, err
	}
	now := time.Now()
	var out []model.Delivery
	for _, d := range s.deliveries {
		if len(out) >= limit {
			break
		}
		if d.delivered || d.NotBefore.After(now) || d.lockedUntil.After(now) || d.Attempts >= storage.MaxDeliveryAttempts {
			continue
		}
		d.lockedUntil = now.Add(lease)
		out = append(out, d.Delivery)
	}
	return out, nil
}

func (s *MemStore) MarkDelivered(_ context.Context, id int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("MarkDelivered"); err != nil {
		return err
	}
	for _, d := range s.deliveries {
		if d.ID == id {
			d.delivered = true
			d.lockedUntil = time.Time{}
		}
	}
	return nil
}

func (s *MemStore) MarkDeliveryFailed(_ context.Context, id int64, errMsg string, retryAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("MarkDeliveryFailed"); err != nil {
		return 0, err
	}
	for _, d := range s.deliveries {
		if d.ID == id {
			d.Attempts++
			d.lastError = errMsg
			d.lockedUntil = retryAt
			return d.Attempts, nil
		}
	}
	return 0, fmt.Errorf("memstore: delivery %d: %w", id, storage.ErrNotFound)
}

func (s *MemStore) DeferDelivery(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("DeferDelivery"); err != nil {
		return err
	}
	for _, d := range s.deliveries {
		if d.ID == id {
			d.NotBefore = at
			d.lockedUntil = time.Time{}
		}
	}
	return nil
}

func (s *MemStore) DeliveryQueueDepth(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.deliveries {
		if !d.delivered && d.Attempts < storage.MaxDeliveryAttempts {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) GetBudget(_ context.Context, day string) (model.BudgetState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetBudget"); err != nil {
		return model.BudgetState{}, err
	}
	if b, ok := s.budgets[day]; ok {
		return *b, nil
	}
	return model.BudgetState{Day: day}, nil
}

func (s *MemStore) RecordBudgetUsage(_ context.Context, day string, class model.CallClass, usdDelta float64, tokens int64, usdCap float64) (model.BudgetState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("RecordBudgetUsage"); err != nil {
		return model.BudgetState{}, err
	}
	b := s.budgetLocked(day)
	u := b.Class(class)
	u.Calls++
	u.Tokens += tokens
	u.USDEst += usdDelta
	b.SetClass(class, u)
	if usdCap > 0 && b.USDEst() >= usdCap {
		u.Disabled = true
		b.SetClass(class, u)
	}
	return *b, nil
}

func (s *MemStore) SetBudgetDisabled(_ context.Context, day string, class model.CallClass, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("SetBudgetDisabled"); err != nil {
		return err
	}
	b := s.budgetLocked(day)
	u := b.Class(class)
	u.Disabled = disabled
	b.SetClass(class, u)
	return nil
}

func (s *MemStore) budgetLocked(day string) *model.BudgetState {
	b, ok := s.budgets[day]
	if !ok {
		b = &model.BudgetState{Day: day}
		s.budgets[day] = b
	}
	return b
}

func (s *MemStore) CreateRun(_ context.Context, run model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CreateRun"); err != nil {
		return err
	}
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("memstore: run %s already exists", run.ID)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.Status = model.RunStatusRunning
	run.FinalActions = []model.Action{}
	s.runs[run.ID] = &run
	return nil
}

func (s *MemStore) RecordRunInput(_ context.Context, id uuid.UUID, snapshot model.InputSnapshot, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("RecordRunInput"); err != nil {
		return err
	}
	r, ok := s.runs[id]
	if !ok || r.Status != model.RunStatusRunning {
		return storage.ErrRunFinalized
	}
	r.InputSnapshot = &snapshot
	r.InputHash = hash
	return nil
}

func (s *MemStore) FinalizeRun(_ context.Context, id uuid.UUID, out model.RunOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("FinalizeRun"); err != nil {
		return err
	}
	r, ok := s.runs[id]
	if !ok || r.Status != model.RunStatusRunning {
		return storage.ErrRunFinalized
	}
	latency := out.LatencyMS
	finished := out.FinishedAt
	r.Status = out.Status
	r.OutputSnapshot = out.Output
	r.FinalActions = slices.Clone(out.Actions)
	if r.FinalActions == nil {
		r.FinalActions = []model.Action{}
	}
	r.LLMUsed = out.LLMUsed
	r.ModelName = out.ModelName
	r.LatencyMS = &latency
	r.ErrorMessage = out.ErrorMessage
	r.FinishedAt = &finished
	return nil
}

func (s *MemStore) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return model.Run{}, fmt.Errorf("memstore: run %s: %w", id, storage.ErrNotFound)
	}
	return *r, nil
}

// Runs returns a copy of every run, oldest first.
func (s *MemStore) Runs() []model.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemStore) GetRunDetail(ctx context.Context, id uuid.UUID) (model.RunDetail, error) {
	if err := s.checkFail("GetRunDetail"); err != nil {
		return model.RunDetail{}, err
	}
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return model.RunDetail{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.RunDetail{
		Run:       run,
		ToolCalls: slices.Clone(s.toolCalls[id]),
		Ledger:    slices.Clone(s.ledger[id]),
	}, nil
}

func (s *MemStore) checkFail(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure(method)
}

func (s *MemStore) AppendToolCall(_ context.Context, tc model.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("AppendToolCall"); err != nil {
		return err
	}
	for _, existing := range s.toolCalls[tc.RunID] {
		if existing.Seq == tc.Seq {
			return fmt.Errorf("memstore: duplicate tool call seq %d for run %s", tc.Seq, tc.RunID)
		}
	}
	s.toolCalls[tc.RunID] = append(s.toolCalls[tc.RunID], tc)
	return nil
}

func (s *MemStore) AppendLedgerEntry(_ context.Context, e model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("AppendLedgerEntry"); err != nil {
		return err
	}
	for _, existing := range s.ledger[e.RunID] {
		if existing.Seq == e.Seq {
			return fmt.Errorf("memstore: duplicate ledger seq %d for run %s", e.Seq, e.RunID)
		}
	}
	s.ledger[e.RunID] = append(s.ledger[e.RunID], e)
	return nil
}

// ToolCalls returns a copy of a run's tool calls.
func (s *MemStore) ToolCalls(runID uuid.UUID) []model.ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.toolCalls[runID])
}

// Ledger returns a copy of a run's ledger entries.
func (s *MemStore) Ledger(runID uuid.UUID) []model.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ledger[runID])
}

func (s *MemStore) GetDecisionsByIDs(_ context.Context, ids []uuid.UUID) ([]model.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetDecisionsByIDs"); err != nil {
		return nil, err
	}
	var out []model.Decision
	for _, d := range s.decisions {
		if slices.Contains(ids, d.ID) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemStore) CleanupDeliveries(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CleanupDeliveries"); err != nil {
		return 0, err
	}
	before := len(s.deliveries)
	s.deliveries = slices.DeleteFunc(s.deliveries, func(d *memDelivery) bool {
		return d.CreatedAt.Before(cutoff) && (d.delivered || d.Attempts >= storage.MaxDeliveryAttempts)
	})
	return int64(before - len(s.deliveries)), nil
}

// DeliveryAttempts returns the failed attempt count and last error of an
// outbox row.
func (s *MemStore) DeliveryAttempts(id int64) (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliveries {
		if d.ID == id {
			return d.Attempts, d.lastError
		}
	}
	return 0, ""
}

func (s *MemStore) ListRuns(_ context.Context, f model.RunFilter) (model.RunPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ListRuns"); err != nil {
		return model.RunPage{}, err
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	newer := func(a, b model.Run) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID.String() > b.ID.String()
	}
	var out []model.Run
	for _, r := range s.runs {
		if f.GoalID != "" && (r.GoalID == nil || *r.GoalID != f.GoalID) {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.After != nil && !newer(model.Run{CreatedAt: f.After.CreatedAt, ID: f.After.ID}, *r) {
			continue
		}
		run := *r
		run.InputSnapshot, run.OutputSnapshot = nil, nil
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	page := model.RunPage{Runs: out}
	if len(out) > f.Limit {
		page.Runs = out[:f.Limit]
		next := model.CursorAfter(page.Runs[f.Limit-1])
		page.Next = &next
	}
	return page, nil
}

func (s *MemStore) AbandonStaleRuns(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("AbandonStaleRuns"); err != nil {
		return 0, err
	}
	var n int64
	now := time.Now().UTC()
	msg := "run abandoned: process exited before finalization"
	for _, r := range s.runs {
		if r.Status == model.RunStatusRunning && r.CreatedAt.Before(cutoff) {
			r.Status = model.RunStatusError
			r.ErrorMessage = &msg
			r.FinishedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Ping(_ context.Context) error {
	return s.checkFail("Ping")
}
