package api

import "strings"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunPending      RunStatus = "PENDING"
	RunRunning      RunStatus = "RUNNING"
	RunPendingHuman RunStatus = "PENDING_HUMAN"
	RunCompleted    RunStatus = "COMPLETED"
	RunFailed       RunStatus = "FAILED"
	RunCancelled    RunStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known run statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunPendingHuman, RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a single step record.
type StepStatus string

const (
	StepPending      StepStatus = "PENDING"
	StepRunning      StepStatus = "RUNNING"
	StepSucceeded    StepStatus = "SUCCEEDED"
	StepFailed       StepStatus = "FAILED"
	StepPendingHuman StepStatus = "PENDING_HUMAN"
	StepSkipped      StepStatus = "SKIPPED"
)

// Terminal reports whether the step record will not change again.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// StepKind is the tag of the StepDef variant.
type StepKind string

const (
	KindAgent     StepKind = "AGENT"
	KindTool      StepKind = "TOOL"
	KindUserInput StepKind = "USER_INPUT"
)

// ParseStepKind accepts the canonical upper-case names as well as the
// lower-case spellings used in flow documents ("tool", "user_input").
func ParseStepKind(s string) (StepKind, bool) {
	k := StepKind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case KindAgent, KindTool, KindUserInput:
		return k, true
	}
	return "", false
}

// ArtifactPrefix is the lower-case prefix used in artifact keys for this kind.
func (k StepKind) ArtifactPrefix() string {
	switch k {
	case KindAgent:
		return "agent"
	case KindTool:
		return "tool"
	case KindUserInput:
		return "user_input"
	}
	return strings.ToLower(string(k))
}

// ArtifactKey returns the key under which a capability's output is stored,
// e.g. "tool.read_csv.output".
func ArtifactKey(kind StepKind, capability string) string {
	return kind.ArtifactPrefix() + "." + capability + ".output"
}

// UserInputArtifactKey returns the key under which a consumed user input
// response is stored.
func UserInputArtifactKey(formID string) string {
	return "user_input." + formID
}

// Autonomy controls how much a flow may do without a human.
type Autonomy string

const (
	AutonomySuggestOnly Autonomy = "suggest_only"
	AutonomySemiAuto    Autonomy = "semi_auto"
	AutonomyFullAuto    Autonomy = "full_auto"
)

// RiskTier classifies the blast radius of a capability for governance.
type RiskTier string

const (
	RiskLow         RiskTier = "low"
	RiskMedium      RiskTier = "medium"
	RiskHigh        RiskTier = "high"
	RiskDestructive RiskTier = "destructive"
)

// Rank orders risk tiers; unknown tiers rank as medium.
func (r RiskTier) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium, "":
		return 1
	case RiskHigh:
		return 2
	case RiskDestructive:
		return 3
	}
	return 1
}
