package models

import "time"

// Sequence kinds. Workflows share storage with sequences and differ only in
// the API surface and in how a missing stepType is treated.
const (
	KindSequence = "sequence"
	KindWorkflow = "workflow"
)

// Sequence statuses
const (
	SequenceDraft     = "draft"
	SequenceActive    = "active"
	SequencePaused    = "paused"
	SequenceCompleted = "completed"
)

// Step types
const (
	StepEmail = "email"
	StepCall  = "call"
	StepSMS   = "sms"
	StepWait  = "wait"
)

// Step conditions
const (
	ConditionAlways   = "always"
	ConditionNoReply  = "no_reply"
	ConditionNoOpen   = "no_open"
	ConditionNoAnswer = "no_answer"
)

// Sequence is an outreach template applied to a set of leads
type Sequence struct {
	ID                 string     `json:"id"`
	OwnerID            string     `json:"userId"`
	Kind               string     `json:"kind"`
	Name               string     `json:"name"`
	Description        string     `json:"description,omitempty"`
	CampaignID         string     `json:"campaignId,omitempty"`
	Status             string     `json:"status"`
	Timezone           string     `json:"timezone"`
	SendWindowStart    string     `json:"sendWindowStart"` // HH:MM local
	SendWindowEnd      string     `json:"sendWindowEnd"`   // HH:MM local, exclusive
	SendDays           []int      `json:"sendDays"`        // 1=Monday .. 7=Sunday
	StopOnReply        bool       `json:"stopOnReply"`
	StopOnClick        bool       `json:"stopOnClick"`
	StopOnBounce       bool       `json:"stopOnBounce"`
	StopOnCallAnswered bool       `json:"stopOnCallAnswered"`
	VapiAssistantID    string     `json:"vapiAssistantId,omitempty"`
	Revision           int        `json:"revision"`
	Steps              []Step     `json:"steps"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	ActivatedAt        *time.Time `json:"activatedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
}

// Step is one ordered action of a sequence
type Step struct {
	StepNumber int    `json:"stepNumber"`
	StepType   string `json:"stepType"`
	DelayDays  int    `json:"delayDays"`
	DelayHours int    `json:"delayHours"`
	Condition  string `json:"condition"`

	// email
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"` // also the sms text
	CTAText string `json:"ctaText,omitempty"`
	CTAURL  string `json:"ctaUrl,omitempty"`

	// call
	Script             string `json:"script,omitempty"`
	MaxDurationSeconds int    `json:"maxDurationSeconds,omitempty"`
	AssistantID        string `json:"assistantId,omitempty"`
}

// Delay returns the wait between the previous step's completion and this one
func (s Step) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// IsDispatching reports whether the step reaches an external provider
func (s Step) IsDispatching() bool {
	return s.StepType != StepWait
}

// SequenceSummary is a sequence with enrollment counters for list views
type SequenceSummary struct {
	Sequence
	Stats SequenceStats `json:"stats"`
}

// SequenceStats aggregates enrollment state for one sequence
type SequenceStats struct {
	Enrolled   int `json:"enrolled"`
	Active     int `json:"active"`
	Paused     int `json:"paused"`
	Completed  int `json:"completed"`
	Stopped    int `json:"stopped"`
	Failed     int `json:"failed"`
	EmailsSent int `json:"emailsSent"`
	Opens      int `json:"opens"`
	Clicks     int `json:"clicks"`
	Replies    int `json:"replies"`
	CallsMade  int `json:"callsMade"`
	SMSSent    int `json:"smsSent"`
}

// SequenceFilter for listing sequences
type SequenceFilter struct {
	OwnerID string
	Kind    string
	Status  string
}
