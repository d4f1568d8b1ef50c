package domain

import (
	"strings"
	"time"
)

type UserRole string

const (
	RoleUser    UserRole = "user"
	RolePremium UserRole = "premium"
	RoleAdmin   UserRole = "admin"
)

// ParseUserRole maps a role claim to a known role, defaulting to RoleUser.
func ParseUserRole(raw string) UserRole {
	switch UserRole(strings.ToLower(strings.TrimSpace(raw))) {
	case RolePremium:
		return RolePremium
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleUser
	}
}

// User is the authenticated caller as seen by the coaching service.
type User struct {
	ID   string   `json:"id"`
	Role UserRole `json:"role"`
}

// Step names one slot in the fixed argument-construction sequence.
type Step string

const (
	StepIntro          Step = "intro"
	StepClaim          Step = "claim"
	StepWarrant        Step = "warrant"
	StepWarrantBacking Step = "warrantBacking"
	StepGrounds        Step = "grounds"
	StepGroundsBacking Step = "groundsBacking"
	StepQualifier      Step = "qualifier"
	StepRebuttal       Step = "rebuttal"
	StepDone           Step = "done"
)

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

type MessageRole string

const (
	RoleUserMessage      MessageRole = "user"
	RoleAssistantMessage MessageRole = "assistant"
	RoleSystemMessage    MessageRole = "system"
)

// ChatSession is one coaching conversation. ArgumentProgress caches the
// confirmed value of every step the user has passed, keyed by step name.
type ChatSession struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"userId"`
	CurrentStep         Step            `json:"currentStep"`
	Status              SessionStatus   `json:"status"`
	ArgumentProgress    map[Step]string `json:"argumentProgress"`
	GeneratedArgumentID string          `json:"generatedArgumentId,omitempty"`
	Topic               string          `json:"topic,omitempty"`
	Language            string          `json:"language"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
	CompletedAt         *time.Time      `json:"completedAt,omitempty"`
}

// ChatMessage is one entry in a session's append-only log.
type ChatMessage struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Seq       int64          `json:"seq"`
	Role      MessageRole    `json:"role"`
	Content   string         `json:"content"`
	Step      Step           `json:"step,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ArgumentFields holds the seven parts of an argument.
type ArgumentFields struct {
	Claim          string `json:"claim"`
	Grounds        string `json:"grounds"`
	GroundsBacking string `json:"groundsBacking"`
	Warrant        string `json:"warrant"`
	WarrantBacking string `json:"warrantBacking"`
	Qualifier      string `json:"qualifier"`
	Rebuttal       string `json:"rebuttal"`
}

// Get returns the field bound to step. ok is false for non-content steps.
func (f ArgumentFields) Get(step Step) (string, bool) {
	switch step {
	case StepClaim:
		return f.Claim, true
	case StepGrounds:
		return f.Grounds, true
	case StepGroundsBacking:
		return f.GroundsBacking, true
	case StepWarrant:
		return f.Warrant, true
	case StepWarrantBacking:
		return f.WarrantBacking, true
	case StepQualifier:
		return f.Qualifier, true
	case StepRebuttal:
		return f.Rebuttal, true
	default:
		return "", false
	}
}

// Set writes value into the field bound to step and reports whether step
// names a field.
func (f *ArgumentFields) Set(step Step, value string) bool {
	switch step {
	case StepClaim:
		f.Claim = value
	case StepGrounds:
		f.Grounds = value
	case StepGroundsBacking:
		f.GroundsBacking = value
	case StepWarrant:
		f.Warrant = value
	case StepWarrantBacking:
		f.WarrantBacking = value
	case StepQualifier:
		f.Qualifier = value
	case StepRebuttal:
		f.Rebuttal = value
	default:
		return false
	}
	return true
}

// ArgumentDraft is the versioned working copy tied 1:1 to a session.
type ArgumentDraft struct {
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	Name      string         `json:"name"`
	Fields    ArgumentFields `json:"fields"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// InitialDraftVersion is the version of a freshly created draft.
const InitialDraftVersion int64 = 1

// DraftPatch is a partial draft edit. Only listed fields are written.
type DraftPatch struct {
	Name   *string         `json:"name,omitempty"`
	Fields map[Step]string `json:"fields,omitempty"`
}

// Argument is the persisted argument document produced by a session.
type Argument struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	SessionID string         `json:"sessionId"`
	Name      string         `json:"name"`
	Fields    ArgumentFields `json:"fields"`
	Completed bool           `json:"completed"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ProposedUpdate is a field value suggested by the model.
type ProposedUpdate struct {
	Field     Step   `json:"field"`
	Value     string `json:"value"`
	Rationale string `json:"rationale,omitempty"`
}

// Proposal is a contract-validated AI turn.
type Proposal struct {
	Message        string          `json:"message"`
	Step           Step            `json:"step"`
	Confidence     *float64        `json:"confidence,omitempty"`
	ProposedUpdate *ProposedUpdate `json:"proposedUpdate,omitempty"`
	NextQuestion   string          `json:"nextQuestion,omitempty"`
	ShouldAdvance  bool            `json:"shouldAdvance"`
	NextStep       Step            `json:"nextStep,omitempty"`
	IsComplete     bool            `json:"isComplete"`
}

// QuotaStatus is the read-only view of a user's monthly usage window.
type QuotaStatus struct {
	Used        int       `json:"used"`
	Limit       *int      `json:"limit"`
	Remaining   *int      `json:"remaining"`
	ResetAt     time.Time `json:"resetAt"`
	IsUnlimited bool      `json:"isUnlimited"`
}
