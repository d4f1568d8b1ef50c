package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"argumentcoach/internal/quota"
	"argumentcoach/internal/ratelimit"
	"argumentcoach/internal/util"
	"argumentcoach/pkg/ai"
	"argumentcoach/pkg/domain"
	"argumentcoach/pkg/queue"
	"argumentcoach/pkg/storage"
	"argumentcoach/pkg/store"
	"github.com/alicebob/miniredis/v2"
)

var testNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

type scriptedGenerator struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []ai.ChatRequest
}

func (g *scriptedGenerator) GenerateChat(_ context.Context, req ai.ChatRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return "", g.err
	}
	if len(g.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	out := g.replies[0]
	g.replies = g.replies[1:]
	return out, nil
}

func (g *scriptedGenerator) push(replies ...string) {
	g.mu.Lock()
	g.replies = append(g.replies, replies...)
	g.mu.Unlock()
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (q *recordingQueue) Enqueue(_ context.Context, argumentID, userID string) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := queue.Job{ID: fmt.Sprintf("job-%d", len(q.jobs)+1), ArgumentID: argumentID, UserID: userID, Status: "queued"}
	q.jobs = append(q.jobs, job)
	return job, nil
}

type harness struct {
	app     *App
	store   store.Store
	redis   *miniredis.Miniredis
	gen     *scriptedGenerator
	queue   *recordingQueue
	archive *storage.ArgumentArchive
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "coach.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	clock := func() time.Time { return testNow }
	tracker, err := quota.NewRedisTracker(mr.Addr(), "", "test:quota", quota.Limits{
		Default: 200,
		ByRole:  map[domain.UserRole]int{domain.RoleAdmin: quota.Unlimited},
	}, quota.WithClock(clock))
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	t.Cleanup(func() { _ = tracker.Close() })

	h := &harness{
		store:   st,
		redis:   mr,
		gen:     &scriptedGenerator{},
		queue:   &recordingQueue{},
		archive: storage.NewArgumentArchive(storage.NewMemoryStore("http://files.test"), time.Minute),
	}
	cfg := Config{
		Store:        st,
		Quota:        tracker,
		Limiter:      ratelimit.NewMemorySlidingWindow(ratelimit.WithClock(clock)),
		Generator:    h.gen,
		ArchiveQueue: h.queue,
		Archive:      h.archive,
		Now:          clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.app, err = New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return h
}

var alice = domain.User{ID: "user-1", Role: domain.RoleUser}

func (h *harness) start(t *testing.T, user domain.User) SessionView {
	t.Helper()
	view, err := h.app.CreateSession(context.Background(), user, "School uniforms", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return view
}

func (h *harness) confirm(t *testing.T, sessionID string, step domain.Step, text string) StepResult {
	t.Helper()
	res, err := h.app.ConfirmStep(context.Background(), alice, sessionID, string(step), text, nil)
	if err != nil {
		t.Fatalf("confirm %s: %v", step, err)
	}
	return res
}

func version(v int64) *int64 { return &v }

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestCreateSessionStartsAtIntroWithGreeting(t *testing.T) {
	h := newHarness(t, nil)
	view := h.start(t, alice)
	if view.Session.CurrentStep != domain.StepIntro || view.Session.Status != domain.SessionActive {
		t.Fatalf("unexpected session: %+v", view.Session)
	}
	if view.Session.Language != "en" {
		t.Fatalf("language = %q, want en", view.Session.Language)
	}
	if view.Draft.Version != domain.InitialDraftVersion {
		t.Fatalf("draft version = %d, want 1", view.Draft.Version)
	}
	msgs, err := h.app.ListMessages(context.Background(), alice, view.Session.ID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != domain.RoleAssistantMessage || !strings.Contains(msgs[0].Content, "School uniforms") {
		t.Fatalf("unexpected greeting: %+v", msgs)
	}
}

func TestCreateSessionRejectsLongTopic(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.app.CreateSession(context.Background(), alice, strings.Repeat("x", maxTopicLength+1), "en")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestOneActiveSessionPerUser(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first := h.start(t, alice)
	second := h.start(t, alice)
	if len(second.Paused) != 1 || second.Paused[0] != first.Session.ID {
		t.Fatalf("paused = %v, want [%s]", second.Paused, first.Session.ID)
	}

	got, err := h.app.GetSession(ctx, alice, first.Session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Session.Status != domain.SessionPaused {
		t.Fatalf("first session status = %s, want paused", got.Session.Status)
	}
	if _, err := h.app.SendMessage(ctx, alice, first.Session.ID, "hello"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("message to paused session: expected invalid transition, got %v", err)
	}

	resumed, err := h.app.ResumeSession(ctx, alice, first.Session.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Session.Status != domain.SessionActive || len(resumed.Paused) != 1 || resumed.Paused[0] != second.Session.ID {
		t.Fatalf("unexpected resume view: %+v", resumed)
	}
}

func TestSessionsAreHiddenFromOtherUsers(t *testing.T) {
	h := newHarness(t, nil)
	view := h.start(t, alice)
	bob := domain.User{ID: "user-2", Role: domain.RoleUser}
	if _, err := h.app.GetSession(context.Background(), bob, view.Session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := h.app.DeleteSession(context.Background(), bob, view.Session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on delete, got %v", err)
	}
}

func TestConfirmWithStaleVersionConflicts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	view := h.start(t, alice)
	id := view.Session.ID
	h.confirm(t, id, domain.StepIntro, "")

	for v := int64(1); v < 3; v++ {
		if _, err := h.app.UpdateDraft(ctx, alice, id, v, domain.DraftPatch{Fields: map[domain.Step]string{domain.StepClaim: fmt.Sprintf("draft %d", v)}}); err != nil {
			t.Fatalf("edit draft at v%d: %v", v, err)
		}
	}

	res, err := h.app.ConfirmStep(ctx, alice, id, "claim", "Uniforms reduce bullying", version(3))
	if err != nil {
		t.Fatalf("confirm claim: %v", err)
	}
	if res.Draft.Version != 4 || res.Session.CurrentStep != domain.StepWarrant {
		t.Fatalf("after confirm: version=%d step=%s, want 4 warrant", res.Draft.Version, res.Session.CurrentStep)
	}
	if res.Draft.Fields.Claim != "Uniforms reduce bullying" || res.ArgumentID == "" {
		t.Fatalf("unexpected confirm result: %+v", res)
	}

	_, err = h.app.ConfirmStep(ctx, alice, id, "warrant", "Less visible inequality", version(3))
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if conflict.Expected != 3 || conflict.Current != 4 {
		t.Fatalf("conflict = %+v, want expected 3 current 4", conflict)
	}
	after, err := h.app.GetSession(ctx, alice, id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if after.Session.CurrentStep != domain.StepWarrant || after.Draft.Fields.Warrant != "" {
		t.Fatalf("stale confirm must not write: %+v", after)
	}
}

func TestConfirmRejectsWrongStepAndEmptyText(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	view := h.start(t, alice)
	id := view.Session.ID
	if _, err := h.app.ConfirmStep(ctx, alice, id, "warrant", "x", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("confirm of non-current step: expected invalid transition, got %v", err)
	}
	h.confirm(t, id, domain.StepIntro, "")
	if _, err := h.app.ConfirmStep(ctx, alice, id, "claim", "   ", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("confirm with empty text: expected invalid input, got %v", err)
	}
	if _, err := h.app.ConfirmStep(ctx, alice, id, "verdict", "x", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("unknown step: expected invalid transition, got %v", err)
	}
}

func TestSkipAdvancesWithEmptyField(t *testing.T) {
	h := newHarness(t, nil)
	view := h.start(t, alice)
	id := view.Session.ID
	h.confirm(t, id, domain.StepIntro, "")

	res, err := h.app.SkipStep(context.Background(), alice, id, "claim", nil)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if res.Session.CurrentStep != domain.StepWarrant {
		t.Fatalf("step after skip = %s, want warrant", res.Session.CurrentStep)
	}
	if v, ok := res.Session.ArgumentProgress[domain.StepClaim]; !ok || v != "" {
		t.Fatalf("claim progress = %q (present %v), want empty entry", v, ok)
	}
	if res.Draft.Fields.Claim != "" {
		t.Fatalf("skip wrote claim %q", res.Draft.Fields.Claim)
	}
}

func TestNavigateBackLoadsPriorValueWithoutWrite(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	view := h.start(t, alice)
	id := view.Session.ID
	h.confirm(t, id, domain.StepIntro, "")
	h.confirm(t, id, domain.StepClaim, "Uniforms help")
	if _, err := h.app.Navigate(ctx, alice, id, "grounds"); err != nil {
		t.Fatalf("navigate forward: %v", err)
	}
	h.confirm(t, id, domain.StepGrounds, "Survey of 40 schools")
	fwd, err := h.app.Navigate(ctx, alice, id, "qualifier")
	if err != nil {
		t.Fatalf("navigate to qualifier: %v", err)
	}

	back, err := h.app.Navigate(ctx, alice, id, "grounds")
	if err != nil {
		t.Fatalf("navigate back: %v", err)
	}
	if back.Session.CurrentStep != domain.StepGrounds {
		t.Fatalf("step = %s, want grounds", back.Session.CurrentStep)
	}
	if !back.HasPrior || back.LoadedValue != "Survey of 40 schools" {
		t.Fatalf("loaded = %q (prior %v)", back.LoadedValue, back.HasPrior)
	}
	if back.DraftVersion != fwd.DraftVersion {
		t.Fatalf("navigate changed draft version %d -> %d", fwd.DraftVersion, back.DraftVersion)
	}
	if _, ok := back.Session.ArgumentProgress[domain.StepWarrant]; !ok {
		t.Fatalf("bypassed warrant must be recorded as skipped")
	}
}

func TestNavigateLoadsManuallyEditedDraft(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := claimSession(t, h)
	res := h.confirm(t, id, domain.StepClaim, "Uniforms help")
	if _, err := h.app.UpdateDraft(ctx, alice, id, res.Draft.Version, domain.DraftPatch{
		Fields: map[domain.Step]string{domain.StepClaim: "Uniforms cut costs"},
	}); err != nil {
		t.Fatalf("update draft: %v", err)
	}

	back, err := h.app.Navigate(ctx, alice, id, "claim")
	if err != nil {
		t.Fatalf("navigate back: %v", err)
	}
	if !back.HasPrior || back.LoadedValue != "Uniforms cut costs" {
		t.Fatalf("loaded = %q (prior %v), want edited draft value", back.LoadedValue, back.HasPrior)
	}
}

func TestUpdateDraftRequiresCurrentVersion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	view := h.start(t, alice)
	name := "Renamed"
	draft, err := h.app.UpdateDraft(ctx, alice, view.Session.ID, 1, domain.DraftPatch{Name: &name})
	if err != nil {
		t.Fatalf("update draft: %v", err)
	}
	if draft.Version != 2 || draft.Name != "Renamed" {
		t.Fatalf("unexpected draft: %+v", draft)
	}
	_, err = h.app.UpdateDraft(ctx, alice, view.Session.ID, 1, domain.DraftPatch{Name: &name})
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) || conflict.Current != 2 {
		t.Fatalf("expected conflict with current 2, got %v", err)
	}
	if _, err := h.app.UpdateDraft(ctx, alice, view.Session.ID, 2, domain.DraftPatch{Fields: map[domain.Step]string{domain.StepIntro: "x"}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("non-content field: expected invalid input, got %v", err)
	}
}

func proposalJSON(step domain.Step, confidence float64, value string, advance bool, next domain.Step) string {
	return fmt.Sprintf(`{"message":"Nice work.","step":%q,"confidence":%v,"proposedUpdate":{"field":%q,"value":%q,"rationale":"clear"},"shouldAdvance":%v,"nextStep":%q,"nextQuestion":"Ready to continue?"}`,
		step, confidence, step, value, advance, next)
}

func claimSession(t *testing.T, h *harness) string {
	t.Helper()
	view := h.start(t, alice)
	h.confirm(t, view.Session.ID, domain.StepIntro, "")
	return view.Session.ID
}

func TestSendMessageAutoAppliesConfidentAdvance(t *testing.T) {
	h := newHarness(t, nil)
	id := claimSession(t, h)
	h.gen.push(proposalJSON(domain.StepClaim, 0.9, "Uniforms reduce bullying", true, domain.StepWarrant))

	res, err := h.app.SendMessage(context.Background(), alice, id, "I think uniforms reduce bullying")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if !res.Applied || res.PendingUpdate != nil {
		t.Fatalf("expected applied proposal, got %+v", res)
	}
	if res.Session.CurrentStep != domain.StepWarrant || res.Draft.Fields.Claim != "Uniforms reduce bullying" || res.Draft.Version != 2 {
		t.Fatalf("unexpected state after auto-apply: step=%s draft=%+v", res.Session.CurrentStep, res.Draft)
	}
	if res.Quota.Used != 1 {
		t.Fatalf("quota used = %d, want 1", res.Quota.Used)
	}
	if !strings.Contains(res.AssistantMessage.Content, "Ready to continue?") {
		t.Fatalf("assistant content missing follow-up: %q", res.AssistantMessage.Content)
	}
	if res.UserMessage.Seq >= res.AssistantMessage.Seq {
		t.Fatalf("user message seq %d must precede assistant %d", res.UserMessage.Seq, res.AssistantMessage.Seq)
	}

	req := h.gen.requests[0]
	if !req.JSON || !strings.Contains(req.System, "Current step: claim") {
		t.Fatalf("unexpected prompt: %+v", req)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != ai.RoleUser || last.Content != "I think uniforms reduce bullying" {
		t.Fatalf("last prompt message = %+v", last)
	}
}

func TestSendMessageLowConfidenceStaysPending(t *testing.T) {
	h := newHarness(t, nil)
	id := claimSession(t, h)
	h.gen.push(proposalJSON(domain.StepClaim, 0.4, "Maybe uniforms help", true, domain.StepWarrant))

	res, err := h.app.SendMessage(context.Background(), alice, id, "not sure yet")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if res.Applied || res.PendingUpdate == nil || res.PendingUpdate.Value != "Maybe uniforms help" {
		t.Fatalf("expected pending suggestion, got %+v", res)
	}
	if res.Session.CurrentStep != domain.StepClaim || res.Draft.Version != 1 {
		t.Fatalf("low confidence must not move state: step=%s version=%d", res.Session.CurrentStep, res.Draft.Version)
	}
	pending, ok := res.AssistantMessage.Metadata["pendingUpdate"].(map[string]any)
	if !ok || pending["field"] != "claim" {
		t.Fatalf("assistant metadata = %+v", res.AssistantMessage.Metadata)
	}
}

func TestSendMessageRejectsAdvanceFromRebuttal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := claimSession(t, h)
	if _, err := h.app.Navigate(ctx, alice, id, "rebuttal"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	h.gen.push(proposalJSON(domain.StepRebuttal, 0.95, "Critics say cost", true, domain.StepDone))

	res, err := h.app.SendMessage(ctx, alice, id, "critics say uniforms cost too much")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if res.Applied || res.Proposal != nil {
		t.Fatalf("rebuttal advance must be rejected: %+v", res)
	}
	if res.AssistantMessage.Metadata["contract"] != "rejected" {
		t.Fatalf("metadata = %+v", res.AssistantMessage.Metadata)
	}
	if res.AssistantMessage.Content != "Nice work." {
		t.Fatalf("rejected turn should keep model message, got %q", res.AssistantMessage.Content)
	}
	after, _ := h.app.GetSession(ctx, alice, id)
	if after.Session.CurrentStep != domain.StepRebuttal {
		t.Fatalf("step = %s, want rebuttal", after.Session.CurrentStep)
	}
}

func TestSendMessageCompletesFromRebuttal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := claimSession(t, h)
	if _, err := h.app.Navigate(ctx, alice, id, "rebuttal"); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	h.gen.push(`{"message":"Great rebuttal.","step":"rebuttal","confidence":0.92,"proposedUpdate":{"value":"Cost is offset by fewer clothing purchases"},"isComplete":true}`)

	res, err := h.app.SendMessage(ctx, alice, id, "the cost is offset")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if !res.Applied || !res.Completed || res.ArgumentID == "" {
		t.Fatalf("expected completed turn, got %+v", res)
	}
	if res.Session.Status != domain.SessionCompleted {
		t.Fatalf("status = %s, want completed", res.Session.Status)
	}
	arg, err := h.app.GetArgument(ctx, alice, res.ArgumentID)
	if err != nil {
		t.Fatalf("get argument: %v", err)
	}
	if !arg.Completed || arg.Fields.Rebuttal != "Cost is offset by fewer clothing purchases" {
		t.Fatalf("unexpected argument: %+v", arg)
	}
	if len(h.queue.jobs) != 1 || h.queue.jobs[0].ArgumentID != arg.ID {
		t.Fatalf("archive jobs = %+v", h.queue.jobs)
	}
}

func TestSendMessageUnparseableRefundsQuota(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := claimSession(t, h)
	h.gen.push("I am not JSON at all")

	_, err := h.app.SendMessage(ctx, alice, id, "hello")
	if !errors.Is(err, ErrUpstreamAI) {
		t.Fatalf("expected upstream error for unparseable output, got %v", err)
	}
	status, err := h.app.QuotaStatus(ctx, alice)
	if err != nil {
		t.Fatalf("quota status: %v", err)
	}
	if status.Used != 0 {
		t.Fatalf("quota used = %d after unparseable reply, want 0", status.Used)
	}
	view, err := h.app.GetSession(ctx, alice, id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if view.Session.CurrentStep != domain.StepClaim || view.Draft.Version != 1 {
		t.Fatalf("unparseable output moved state: step=%s version=%d", view.Session.CurrentStep, view.Draft.Version)
	}
	msgs, err := h.app.ListMessages(ctx, alice, id, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	for _, m := range msgs {
		if m.Metadata["contract"] != nil {
			t.Fatalf("no assistant reply should be stored, found %+v", m)
		}
	}
}

func TestQuotaExhaustedIsDistinctFromRateLimit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := claimSession(t, h)
	if err := h.redis.Set("test:quota:user-1:2026-03", "199"); err != nil {
		t.Fatalf("seed quota: %v", err)
	}
	h.gen.push(proposalJSON(domain.StepClaim, 0.2, "x", false, ""))

	res, err := h.app.SendMessage(ctx, alice, id, "first")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if res.Quota.Used != 200 || res.Quota.Remaining == nil || *res.Quota.Remaining != 0 {
		t.Fatalf("quota = %+v, want used 200 remaining 0", res.Quota)
	}

	_, err = h.app.SendMessage(ctx, alice, id, "second")
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("expected quota exhausted, got %v", err)
	}
	if errors.Is(err, ErrRateLimited) {
		t.Fatalf("quota exhaustion must not look like a rate limit")
	}
}

func TestRateLimitedMessageDoesNotConsumeQuota(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MessageRateLimit = 1 })
	ctx := context.Background()
	id := claimSession(t, h)
	h.gen.push(proposalJSON(domain.StepClaim, 0.2, "x", false, ""))
	if _, err := h.app.SendMessage(ctx, alice, id, "first"); err != nil {
		t.Fatalf("first message: %v", err)
	}

	_, err := h.app.SendMessage(ctx, alice, id, "second")
	var limited *RateLimitError
	if !errors.As(err, &limited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if limited.RetryAfter <= 0 || errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("unexpected rate limit error: %+v", limited)
	}
	status, err := h.app.QuotaStatus(ctx, alice)
	if err != nil {
		t.Fatalf("quota status: %v", err)
	}
	if status.Used != 1 {
		t.Fatalf("quota used = %d, want 1", status.Used)
	}
}

func TestUpstreamFailureRefundsQuota(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := claimSession(t, h)
	h.gen.err = errors.New("503 from provider")

	_, err := h.app.SendMessage(ctx, alice, id, "hello")
	if !errors.Is(err, ErrUpstreamAI) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	status, err := h.app.QuotaStatus(ctx, alice)
	if err != nil {
		t.Fatalf("quota status: %v", err)
	}
	if status.Used != 0 {
		t.Fatalf("quota used = %d after refund, want 0", status.Used)
	}
}

type blockingGenerator struct {
	started chan struct{}
	reply   string
	calls   int
	mu      sync.Mutex
}

func (g *blockingGenerator) GenerateChat(ctx context.Context, _ ai.ChatRequest) (string, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		close(g.started)
		<-ctx.Done()
		return "", context.Cause(ctx)
	}
	return g.reply, nil
}

func TestNewerMessageSupersedesInFlightTurn(t *testing.T) {
	gen := &blockingGenerator{
		started: make(chan struct{}),
		reply:   proposalJSON(domain.StepClaim, 0.3, "second take", false, ""),
	}
	h := newHarness(t, func(c *Config) { c.Generator = gen })
	ctx := context.Background()
	id := claimSession(t, h)

	firstErr := make(chan error, 1)
	go func() {
		_, err := h.app.SendMessage(ctx, alice, id, "first take")
		firstErr <- err
	}()
	select {
	case <-gen.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("first turn never reached the generator")
	}

	res, err := h.app.SendMessage(ctx, alice, id, "second take")
	if err != nil {
		t.Fatalf("second message: %v", err)
	}
	if res.PendingUpdate == nil || res.PendingUpdate.Value != "second take" {
		t.Fatalf("unexpected second result: %+v", res)
	}

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrTurnSuperseded) {
			t.Fatalf("first turn: expected superseded, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("first turn did not return")
	}
	status, err := h.app.QuotaStatus(ctx, alice)
	if err != nil {
		t.Fatalf("quota status: %v", err)
	}
	if status.Used != 1 {
		t.Fatalf("quota used = %d, want 1 after superseded refund", status.Used)
	}
	if n := h.app.turns.inFlight(); n != 0 {
		t.Fatalf("in-flight turns = %d, want 0", n)
	}
}

// supersedingStore starts a newer turn for the session right before the
// step commit reaches the database.
type supersedingStore struct {
	store.Store
	beforeCommit func()
}

func (s *supersedingStore) ApplyStepCommit(ctx context.Context, commit domain.StepCommit) (domain.ChatSession, domain.ArgumentDraft, error) {
	if s.beforeCommit != nil {
		s.beforeCommit()
	}
	return s.Store.ApplyStepCommit(ctx, commit)
}

func TestSupersededTurnDoesNotApplyProposal(t *testing.T) {
	wrapped := &supersedingStore{}
	h := newHarness(t, func(c *Config) {
		wrapped.Store = c.Store
		c.Store = wrapped
	})
	ctx := context.Background()
	id := claimSession(t, h)
	wrapped.beforeCommit = func() {
		_, newer := h.app.turns.begin(context.Background(), id)
		t.Cleanup(func() { h.app.turns.finish(id, newer) })
	}
	h.gen.push(proposalJSON(domain.StepClaim, 0.95, "Uniforms reduce bullying", true, domain.StepWarrant))

	_, err := h.app.SendMessage(ctx, alice, id, "uniforms reduce bullying")
	if !errors.Is(err, ErrTurnSuperseded) {
		t.Fatalf("expected superseded, got %v", err)
	}
	session, ok, err := h.store.GetSession(ctx, id)
	if err != nil || !ok {
		t.Fatalf("get session: ok=%v err=%v", ok, err)
	}
	draft, ok, err := h.store.GetDraft(ctx, id)
	if err != nil || !ok {
		t.Fatalf("get draft: ok=%v err=%v", ok, err)
	}
	if session.CurrentStep != domain.StepClaim || draft.Version != 1 || draft.Fields.Claim != "" {
		t.Fatalf("superseded proposal was applied: step=%s draft=%+v", session.CurrentStep, draft)
	}
	status, err := h.app.QuotaStatus(ctx, alice)
	if err != nil {
		t.Fatalf("quota status: %v", err)
	}
	if status.Used != 0 {
		t.Fatalf("quota used = %d after superseded turn, want 0", status.Used)
	}
}

func TestCompleteRequiresArgument(t *testing.T) {
	h := newHarness(t, nil)
	view := h.start(t, alice)
	if _, err := h.app.Complete(context.Background(), alice, view.Session.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestExportArgumentAfterArchive(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := claimSession(t, h)
	h.confirm(t, id, domain.StepClaim, "Uniforms help")
	done, err := h.app.Complete(ctx, alice, id)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Session.Status != domain.SessionCompleted || !done.Argument.Completed {
		t.Fatalf("unexpected completion: %+v", done)
	}
	if _, err := h.app.ConfirmStep(ctx, alice, id, "warrant", "x", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("confirm after complete: expected invalid transition, got %v", err)
	}

	if _, err := h.app.ExportArgument(ctx, alice, done.Argument.ID); !errors.Is(err, ErrArchivePending) {
		t.Fatalf("expected archive pending, got %v", err)
	}
	if _, err := h.archive.Save(ctx, done.Argument, testNow); err != nil {
		t.Fatalf("save archive: %v", err)
	}
	export, err := h.app.ExportArgument(ctx, alice, done.Argument.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.HasPrefix(export.URL, "http://files.test/") || export.ArgumentID != done.Argument.ID {
		t.Fatalf("unexpected export: %+v", export)
	}
}

func TestExportArgumentDisabled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Archive = nil })
	if _, err := h.app.ExportArgument(context.Background(), alice, "arg-1"); !errors.Is(err, ErrArchiveDisabled) {
		t.Fatalf("expected archive disabled, got %v", err)
	}
}

func TestDeleteSessionKeepsArgument(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := claimSession(t, h)
	res := h.confirm(t, id, domain.StepClaim, "Uniforms help")
	if err := h.app.DeleteSession(ctx, alice, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.app.GetSession(ctx, alice, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := h.app.GetArgument(ctx, alice, res.ArgumentID); err != nil {
		t.Fatalf("argument should survive delete: %v", err)
	}
}

func TestDeleteSessionLogsThroughRequestLogger(t *testing.T) {
	h := newHarness(t, nil)
	id := claimSession(t, h)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil)).With("request_id", "coach-delete-1")
	ctx := util.ContextWithLogger(context.Background(), logger)
	if err := h.app.DeleteSession(ctx, alice, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !strings.Contains(buf.String(), `"msg":"coaching session deleted"`) || !strings.Contains(buf.String(), `"request_id":"coach-delete-1"`) {
		t.Fatalf("delete log missing request id: %s", buf.String())
	}
}
