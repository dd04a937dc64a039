package domain

import "time"

// LifecycleState is the coarse state of an identity as seen by callers.
type LifecycleState string

const (
	StateNew        LifecycleState = "new"
	StateProcessing LifecycleState = "processing"
	StateReady      LifecycleState = "ready"
	StateGhost      LifecycleState = "ghost"
)

// StepStatus enumerates per-step pipeline milestones.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// Declared pipeline steps in dependency order.
const (
	StepFetch     = "fetch"
	StepSelect    = "select"
	StepEnrich    = "enrich"
	StepSummarize = "summarize"
)

// LoginOutcome reports what a login did to the identity.
type LoginOutcome string

const (
	LoginNew       LoginOutcome = "new"
	LoginActivated LoginOutcome = "activated"
	LoginExisting  LoginOutcome = "existing"
)

// Profile holds the display data fetched for a GitHub login.
type Profile struct {
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Bio       string `json:"bio,omitempty"`
	Location  string `json:"location,omitempty"`
	Blog      string `json:"blog,omitempty"`
}

// Identity is the persisted record for one GitHub login.
type Identity struct {
	Login       string
	State       LifecycleState
	ErrorDetail string
	// RunToken is non-empty while a pipeline run holds the identity.
	RunToken  string
	Profile   Profile
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InFlight reports whether a run currently holds the identity.
func (i Identity) InFlight() bool {
	return i.RunToken != ""
}

// StepProgress is the persisted status of one step for one identity.
type StepProgress struct {
	Step         string     `json:"step"`
	Status       StepStatus `json:"status"`
	StartedAt    time.Time  `json:"started_at,omitzero"`
	CompletedAt  time.Time  `json:"completed_at,omitzero"`
	ErrorMessage string     `json:"error,omitempty"`
	Output       string     `json:"output,omitempty"`
}
