package domain

import "time"

// StepCommit describes one confirm or skip applied atomically to the
// (session, draft) pair. The store must reject it when the draft version no
// longer equals ExpectedVersion or the session left FromStep.
type StepCommit struct {
	SessionID       string
	UserID          string
	FromStep        Step
	ToStep          Step
	Field           Step
	Value           string
	Skipped         bool
	ExpectedVersion int64
	CreateArgument  bool
	ArgumentID      string
	Message         ChatMessage
	At              time.Time
}

// WritesField reports whether the commit targets a draft field.
func (c StepCommit) WritesField() bool {
	return c.Field != ""
}

// CursorMove relocates a session's step cursor without touching the draft.
// Bypassed steps are recorded as skipped in ArgumentProgress when they have
// no recorded value yet.
type CursorMove struct {
	SessionID string
	UserID    string
	FromStep  Step
	ToStep    Step
	Bypassed  []Step
	Message   ChatMessage
	At        time.Time
}

// Completion finalizes a session and its argument.
type Completion struct {
	SessionID  string
	UserID     string
	ArgumentID string
	Message    ChatMessage
	At         time.Time
}
