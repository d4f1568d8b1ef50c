package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"argumentcoach/pkg/coaching"
	"argumentcoach/pkg/domain"
	"github.com/google/uuid"
)

// runStoreSuite exercises the behaviour every Store backend must share.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"CreateSessionPausesPreviousActive", testCreateSessionPausesPreviousActive},
		{"ConcurrentCreateKeepsOneActive", testConcurrentCreateKeepsOneActive},
		{"ActivateSessionSwapsActive", testActivateSessionSwapsActive},
		{"DraftConcurrentSameVersion", testDraftConcurrentSameVersion},
		{"DraftSequentialUpdates", testDraftSequentialUpdates},
		{"DraftUpdateMissing", testDraftUpdateMissing},
		{"ConfirmAdvancesAndRejectsStaleVersion", testConfirmAdvancesAndRejectsStaleVersion},
		{"SkipAdvancesWithEmptyValue", testSkipAdvancesWithEmptyValue},
		{"StaleCommitRollsBack", testStaleCommitRollsBack},
		{"MoveCursorKeepsDraftVersion", testMoveCursorKeepsDraftVersion},
		{"CompleteSessionCopiesDraft", testCompleteSessionCopiesDraft},
		{"MessagesAreSequenced", testMessagesAreSequenced},
		{"DeleteSessionCascades", testDeleteSessionCascades},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

func newFixture(userID string, at time.Time) (domain.ChatSession, domain.ArgumentDraft) {
	id := uuid.NewString()
	session := domain.ChatSession{
		ID:               id,
		UserID:           userID,
		CurrentStep:      domain.StepIntro,
		Status:           domain.SessionActive,
		ArgumentProgress: map[domain.Step]string{},
		Language:         "en",
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	draft := domain.ArgumentDraft{
		SessionID: id,
		UserID:    userID,
		Version:   domain.InitialDraftVersion,
		CreatedAt: at,
		UpdatedAt: at,
	}
	return session, draft
}

func mustCreate(t *testing.T, s Store, session domain.ChatSession, draft domain.ArgumentDraft) []string {
	t.Helper()
	paused, err := s.CreateSession(context.Background(), session, draft, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return paused
}

func mustSession(t *testing.T, s Store, id string) domain.ChatSession {
	t.Helper()
	session, ok, err := s.GetSession(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get session %s: ok=%v err=%v", id, ok, err)
	}
	return session
}

func mustDraft(t *testing.T, s Store, id string) domain.ArgumentDraft {
	t.Helper()
	draft, ok, err := s.GetDraft(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get draft %s: ok=%v err=%v", id, ok, err)
	}
	return draft
}

// sessionAt creates a session whose cursor is already at step with the
// draft at version.
func sessionAt(t *testing.T, s Store, step domain.Step, version int64) domain.ChatSession {
	t.Helper()
	session, draft := newFixture(uuid.NewString(), time.Now().UTC())
	session.CurrentStep = step
	draft.Version = version
	mustCreate(t, s, session, draft)
	return mustSession(t, s, session.ID)
}

func planConfirm(t *testing.T, session domain.ChatSession, version int64, step domain.Step, text string) domain.StepCommit {
	t.Helper()
	commit, err := coaching.PlanConfirm(session, version, step, text, time.Now().UTC())
	if err != nil {
		t.Fatalf("plan confirm: %v", err)
	}
	commit.Message.ID = uuid.NewString()
	if commit.CreateArgument {
		commit.ArgumentID = uuid.NewString()
	}
	return commit
}

func testCreateSessionPausesPreviousActive(t *testing.T, s Store) {
	ctx := context.Background()
	userID := uuid.NewString()
	first, firstDraft := newFixture(userID, time.Now().UTC())
	if paused := mustCreate(t, s, first, firstDraft); len(paused) != 0 {
		t.Fatalf("first session paused %v", paused)
	}
	second, secondDraft := newFixture(userID, time.Now().UTC())
	paused := mustCreate(t, s, second, secondDraft)
	if len(paused) != 1 || paused[0] != first.ID {
		t.Fatalf("expected first session paused, got %v", paused)
	}
	if got := mustSession(t, s, first.ID).Status; got != domain.SessionPaused {
		t.Fatalf("first session status = %s, want paused", got)
	}
	sessions, err := s.ListSessionsByUser(ctx, userID, 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	active := 0
	for _, session := range sessions {
		if session.Status == domain.SessionActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active session, got %d", active)
	}
	if draft := mustDraft(t, s, second.ID); draft.Version != domain.InitialDraftVersion {
		t.Fatalf("new draft version = %d", draft.Version)
	}
}

func testConcurrentCreateKeepsOneActive(t *testing.T, s Store) {
	ctx := context.Background()
	userID := uuid.NewString()

	const workers = 4
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			session, draft := newFixture(userID, time.Now().UTC())
			<-start
			_, err := s.CreateSession(ctx, session, draft, nil)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	created := 0
	for err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrStateConflict):
		default:
			t.Fatalf("unexpected create error: %v", err)
		}
	}
	if created == 0 {
		t.Fatalf("expected at least one session created")
	}
	sessions, err := s.ListSessionsByUser(ctx, userID, 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	active := 0
	for _, session := range sessions {
		if session.Status == domain.SessionActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active session, got %d", active)
	}
}

func testActivateSessionSwapsActive(t *testing.T, s Store) {
	ctx := context.Background()
	userID := uuid.NewString()
	first, firstDraft := newFixture(userID, time.Now().UTC())
	mustCreate(t, s, first, firstDraft)
	second, secondDraft := newFixture(userID, time.Now().UTC())
	mustCreate(t, s, second, secondDraft)

	paused, err := s.ActivateSession(ctx, userID, first.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(paused) != 1 || paused[0] != second.ID {
		t.Fatalf("expected second session paused, got %v", paused)
	}
	if mustSession(t, s, first.ID).Status != domain.SessionActive {
		t.Fatalf("first session must be active")
	}
	if mustSession(t, s, second.ID).Status != domain.SessionPaused {
		t.Fatalf("second session must be paused")
	}
	if _, err := s.ActivateSession(ctx, "someone-else", second.ID, time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for foreign user, got %v", err)
	}
}

func testDraftConcurrentSameVersion(t *testing.T, s Store) {
	ctx := context.Background()
	session := sessionAt(t, s, domain.StepClaim, domain.InitialDraftVersion)

	const workers = 2
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		value := []string{"left", "right"}[i]
		go func() {
			defer wg.Done()
			<-start
			_, err := s.UpdateDraft(ctx, session.ID, domain.InitialDraftVersion,
				domain.DraftPatch{Fields: map[domain.Step]string{domain.StepClaim: value}}, time.Now().UTC())
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	successes, conflicts := 0, 0
	for err := range errs {
		var conflict *VersionConflictError
		switch {
		case err == nil:
			successes++
		case errors.As(err, &conflict):
			conflicts++
			if conflict.Current != domain.InitialDraftVersion+1 {
				t.Fatalf("conflict current version = %d", conflict.Current)
			}
		default:
			t.Fatalf("unexpected update error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected one success and one conflict, got successes=%d conflicts=%d", successes, conflicts)
	}
	if v := mustDraft(t, s, session.ID).Version; v != domain.InitialDraftVersion+1 {
		t.Fatalf("version = %d, want %d", v, domain.InitialDraftVersion+1)
	}
}

func testDraftSequentialUpdates(t *testing.T, s Store) {
	ctx := context.Background()
	session := sessionAt(t, s, domain.StepClaim, 5)
	const n = 7
	version := int64(5)
	for i := 0; i < n; i++ {
		name := "draft"
		draft, err := s.UpdateDraft(ctx, session.ID, version, domain.DraftPatch{Name: &name}, time.Now().UTC())
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if draft.Version != version+1 {
			t.Fatalf("update %d: version = %d, want %d", i, draft.Version, version+1)
		}
		version = draft.Version
	}
	if v := mustDraft(t, s, session.ID).Version; v != 5+n {
		t.Fatalf("version = %d, want %d", v, 5+n)
	}
	if _, err := s.UpdateDraft(ctx, session.ID, 5, domain.DraftPatch{}, time.Now().UTC()); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict for stale version, got %v", err)
	}
}

func testDraftUpdateMissing(t *testing.T, s Store) {
	_, err := s.UpdateDraft(context.Background(), uuid.NewString(), 1, domain.DraftPatch{}, time.Now().UTC())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, ok, err := s.GetDraft(context.Background(), uuid.NewString()); ok || err != nil {
		t.Fatalf("expected missing draft, got ok=%v err=%v", ok, err)
	}
}

func testConfirmAdvancesAndRejectsStaleVersion(t *testing.T, s Store) {
	ctx := context.Background()
	session := sessionAt(t, s, domain.StepClaim, 3)
	commit := planConfirm(t, session, 3, domain.StepClaim, "X")

	updated, draft, err := s.ApplyStepCommit(ctx, commit)
	if err != nil {
		t.Fatalf("apply confirm: %v", err)
	}
	if updated.CurrentStep != domain.StepWarrant {
		t.Fatalf("step = %s, want warrant", updated.CurrentStep)
	}
	if draft.Version != 4 || draft.Fields.Claim != "X" {
		t.Fatalf("unexpected draft %+v", draft)
	}
	if updated.ArgumentProgress[domain.StepClaim] != "X" {
		t.Fatalf("progress not recorded: %v", updated.ArgumentProgress)
	}
	if updated.GeneratedArgumentID != commit.ArgumentID {
		t.Fatalf("argument id = %q, want %q", updated.GeneratedArgumentID, commit.ArgumentID)
	}
	arg, ok, err := s.GetArgument(ctx, commit.ArgumentID)
	if err != nil || !ok {
		t.Fatalf("get argument: ok=%v err=%v", ok, err)
	}
	if arg.Fields.Claim != "X" || arg.SessionID != session.ID || arg.Completed {
		t.Fatalf("unexpected argument %+v", arg)
	}

	stale := planConfirm(t, session, 3, domain.StepClaim, "Y")
	stale.ArgumentID = commit.ArgumentID
	if _, _, err := s.ApplyStepCommit(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	after := mustDraft(t, s, session.ID)
	if after.Version != 4 || after.Fields.Claim != "X" {
		t.Fatalf("stale confirm must not change the draft: %+v", after)
	}
	if mustSession(t, s, session.ID).CurrentStep != domain.StepWarrant {
		t.Fatalf("stale confirm must not move the cursor")
	}
	msgs, err := s.ListMessages(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Seq != 1 || msgs[0].Role != domain.RoleSystemMessage {
		t.Fatalf("expected a single transition message, got %+v", msgs)
	}
}

func testSkipAdvancesWithEmptyValue(t *testing.T, s Store) {
	ctx := context.Background()
	session := sessionAt(t, s, domain.StepQualifier, 2)
	commit, err := coaching.PlanSkip(session, 2, domain.StepQualifier, time.Now().UTC())
	if err != nil {
		t.Fatalf("plan skip: %v", err)
	}
	commit.Message.ID = uuid.NewString()
	commit.ArgumentID = uuid.NewString()
	updated, draft, err := s.ApplyStepCommit(ctx, commit)
	if err != nil {
		t.Fatalf("apply skip: %v", err)
	}
	if updated.CurrentStep != domain.StepRebuttal {
		t.Fatalf("step = %s, want rebuttal", updated.CurrentStep)
	}
	if draft.Version != 3 || draft.Fields.Qualifier != "" {
		t.Fatalf("unexpected draft %+v", draft)
	}
	if v, ok := updated.ArgumentProgress[domain.StepQualifier]; !ok || v != "" {
		t.Fatalf("skip must record an empty entry, got %q,%v", v, ok)
	}
}

func testStaleCommitRollsBack(t *testing.T, s Store) {
	ctx := context.Background()
	session := sessionAt(t, s, domain.StepGrounds, 1)
	commit := planConfirm(t, session, 1, domain.StepGrounds, "data")

	move, _, err := coaching.PlanNavigate(session, domain.ArgumentFields{}, domain.StepClaim, time.Now().UTC())
	if err != nil {
		t.Fatalf("plan navigate: %v", err)
	}
	move.Message.ID = uuid.NewString()
	if _, err := s.MoveCursor(ctx, move); err != nil {
		t.Fatalf("move cursor: %v", err)
	}

	if _, _, err := s.ApplyStepCommit(ctx, commit); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	draft := mustDraft(t, s, session.ID)
	if draft.Version != 1 || draft.Fields.Grounds != "" {
		t.Fatalf("rejected commit must leave the draft untouched: %+v", draft)
	}
	after := mustSession(t, s, session.ID)
	if after.CurrentStep != domain.StepClaim || after.GeneratedArgumentID != "" {
		t.Fatalf("rejected commit must leave the session untouched: %+v", after)
	}
	if _, ok, _ := s.GetArgument(ctx, commit.ArgumentID); ok {
		t.Fatalf("rejected commit must not create an argument")
	}
}

func testMoveCursorKeepsDraftVersion(t *testing.T, s Store) {
	ctx := context.Background()
	session := sessionAt(t, s, domain.StepClaim, 4)
	move, _, err := coaching.PlanNavigate(session, domain.ArgumentFields{}, domain.StepGrounds, time.Now().UTC())
	if err != nil {
		t.Fatalf("plan navigate: %v", err)
	}
	move.Message.ID = uuid.NewString()
	updated, err := s.MoveCursor(ctx, move)
	if err != nil {
		t.Fatalf("move cursor: %v", err)
	}
	if updated.CurrentStep != domain.StepGrounds {
		t.Fatalf("step = %s, want grounds", updated.CurrentStep)
	}
	for _, step := range []domain.Step{domain.StepClaim, domain.StepWarrant, domain.StepWarrantBacking} {
		if v, ok := updated.ArgumentProgress[step]; !ok || v != "" {
			t.Fatalf("bypassed %s must be recorded as skipped", step)
		}
	}
	if v := mustDraft(t, s, session.ID).Version; v != 4 {
		t.Fatalf("navigate must not change the draft version, got %d", v)
	}
	if _, err := s.MoveCursor(ctx, move); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("replayed move must conflict, got %v", err)
	}
}

func testCompleteSessionCopiesDraft(t *testing.T, s Store) {
	ctx := context.Background()
	session := sessionAt(t, s, domain.StepRebuttal, 1)
	commit := planConfirm(t, session, 1, domain.StepRebuttal, "unless it rains")
	updated, draft, err := s.ApplyStepCommit(ctx, commit)
	if err != nil {
		t.Fatalf("apply confirm: %v", err)
	}
	name := "Rain"
	if _, err := s.UpdateDraft(ctx, session.ID, draft.Version, domain.DraftPatch{
		Name:   &name,
		Fields: map[domain.Step]string{domain.StepClaim: "We should stay in"},
	}, time.Now().UTC()); err != nil {
		t.Fatalf("manual edit: %v", err)
	}

	completion, err := coaching.PlanComplete(updated, time.Now().UTC())
	if err != nil {
		t.Fatalf("plan complete: %v", err)
	}
	completion.Message.ID = uuid.NewString()
	done, arg, err := s.CompleteSession(ctx, completion)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.SessionCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected session %+v", done)
	}
	if !arg.Completed || arg.Name != "Rain" || arg.Fields.Claim != "We should stay in" || arg.Fields.Rebuttal != "unless it rains" {
		t.Fatalf("unexpected argument %+v", arg)
	}
	if _, _, err := s.CompleteSession(ctx, completion); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("second completion must conflict, got %v", err)
	}
}

func testMessagesAreSequenced(t *testing.T, s Store) {
	ctx := context.Background()
	session, draft := newFixture(uuid.NewString(), time.Now().UTC())
	greeting := &domain.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      domain.RoleAssistantMessage,
		Content:   "hello",
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.CreateSession(ctx, session, draft, greeting); err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i, text := range []string{"one", "two", "three"} {
		msg, err := s.AppendMessage(ctx, domain.ChatMessage{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Role:      domain.RoleUserMessage,
			Content:   text,
			Metadata:  map[string]any{"n": i},
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("append %q: %v", text, err)
		}
		if msg.Seq != int64(i+2) {
			t.Fatalf("seq = %d, want %d", msg.Seq, i+2)
		}
	}
	all, err := s.ListMessages(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(all) != 4 || all[0].Content != "hello" || all[3].Content != "three" {
		t.Fatalf("unexpected log %+v", all)
	}
	latest, err := s.ListMessages(ctx, session.ID, 2)
	if err != nil {
		t.Fatalf("list latest: %v", err)
	}
	if len(latest) != 2 || latest[0].Content != "two" || latest[1].Content != "three" {
		t.Fatalf("latest messages must be chronological, got %+v", latest)
	}
	if latest[1].Metadata["n"] == nil {
		t.Fatalf("metadata lost: %+v", latest[1])
	}
	if _, err := s.AppendMessage(ctx, domain.ChatMessage{ID: uuid.NewString(), SessionID: uuid.NewString(), Role: domain.RoleUserMessage, Content: "x", CreatedAt: time.Now()}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("append to missing session must fail with not found, got %v", err)
	}
}

func testDeleteSessionCascades(t *testing.T, s Store) {
	ctx := context.Background()
	session := sessionAt(t, s, domain.StepClaim, 1)
	commit := planConfirm(t, session, 1, domain.StepClaim, "X")
	if _, _, err := s.ApplyStepCommit(ctx, commit); err != nil {
		t.Fatalf("apply confirm: %v", err)
	}
	if err := s.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.GetSession(ctx, session.ID); ok {
		t.Fatalf("session must be gone")
	}
	if _, ok, _ := s.GetDraft(ctx, session.ID); ok {
		t.Fatalf("draft must be gone")
	}
	msgs, err := s.ListMessages(ctx, session.ID, 0)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("messages must be gone, got %d err=%v", len(msgs), err)
	}
	if _, ok, _ := s.GetArgument(ctx, commit.ArgumentID); !ok {
		t.Fatalf("generated argument must survive session deletion")
	}
	if err := s.DeleteSession(ctx, session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete must fail with not found, got %v", err)
	}
}
