package types

type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeStepUp  Outcome = "step_up"
	OutcomeDeny    Outcome = "deny"
)

type DecisionOutput struct {
	Decision  Outcome `json:"decision"`
	RiskScore float64 `json:"risk_score"`
}

type Decision struct {
	DecisionID       string         `json:"decision_id"`
	TraceID          string         `json:"trace_id"`
	MerchantID       string         `json:"merchant_id"`
	ReturnTokenJTI   string         `json:"return_token_jti"`
	InputSummaryHash string         `json:"input_summary_hash"`
	Output           DecisionOutput `json:"output"`
	Explanations     []string       `json:"explanations"`
	CreatedAt        string         `json:"created_at"`
}

// DecisionBOM records everything needed to reproduce a decision's environment.
type DecisionBOM struct {
	DecisionID         string            `json:"decision_id"`
	ModelRef           string            `json:"model_ref,omitempty"`
	PromptRef          string            `json:"prompt_ref,omitempty"`
	ToolRefs           []string          `json:"tool_refs"`
	CorpusSnapshotRef  string            `json:"corpus_snapshot_ref,omitempty"`
	PolicySnapshotHash string            `json:"policy_snapshot_hash"`
	CodeVersion        string            `json:"code_version"`
	EnvSnapshot        map[string]string `json:"env_snapshot,omitempty"`
}

type DecisionWithBOM struct {
	Decision Decision    `json:"decision"`
	BOM      DecisionBOM `json:"bom"`
}

type EnvLock struct {
	ModelHash          string            `json:"model_hash"`
	ToolVersions       map[string]string `json:"tool_versions"`
	PolicySnapshotHash string            `json:"policy_snapshot_hash"`
}

type ReplayInputs struct {
	TokenClaims ReturnToken      `json:"token_claims"`
	Evidence    []EvidenceRecord `json:"evidence"`
}

type ReplayOutputs struct {
	Decision     Outcome  `json:"decision"`
	RiskScore    float64  `json:"risk_score"`
	Explanations []string `json:"explanations"`
}

type ReplayArtifact struct {
	ReplayID   string        `json:"replay_id"`
	DecisionID string        `json:"decision_id"`
	EnvLock    EnvLock       `json:"env_lock"`
	Inputs     ReplayInputs  `json:"inputs"`
	Outputs    ReplayOutputs `json:"outputs"`
	CreatedAt  string        `json:"created_at"`
	BundleURL  string        `json:"bundle_url,omitempty"`
}

type ReplayVerification struct {
	ReplayID   string        `json:"replay_id"`
	DecisionID string        `json:"decision_id"`
	Match      bool          `json:"match"`
	Recomputed ReplayOutputs `json:"recomputed"`
	Mismatches []string      `json:"mismatches,omitempty"`
}

type DiffEnv struct {
	PolicyHash  string `json:"policy_hash"`
	ModelRef    string `json:"model_ref,omitempty"`
	CodeVersion string `json:"code_version"`
}

type DecisionDelta struct {
	Baseline  Outcome `json:"baseline"`
	Candidate Outcome `json:"candidate"`
	Changed   bool    `json:"changed"`
}

// RationaleDelta is one side-only explanation; the other side is null.
type RationaleDelta struct {
	Field          string  `json:"field"`
	BaselineValue  *string `json:"baseline_value"`
	CandidateValue *string `json:"candidate_value"`
}

type DiffChanges struct {
	DecisionDelta  DecisionDelta    `json:"decision_delta"`
	RationaleDelta []RationaleDelta `json:"rationale_delta"`
}

// EnvChange compares the two environments of a diff.
type EnvChange struct {
	PolicyChanged bool `json:"policy_changed"`
	// CodeVersion is upgrade, downgrade, unchanged or unknown.
	CodeVersion string `json:"code_version"`
}

type DiffReport struct {
	BaselineDecisionID  string      `json:"baseline_decision_id"`
	CandidateDecisionID string      `json:"candidate_decision_id"`
	BaselineEnv         DiffEnv     `json:"baseline_env"`
	CandidateEnv        DiffEnv     `json:"candidate_env"`
	Changes             DiffChanges `json:"changes"`
	EnvChange           EnvChange   `json:"env_change"`
	Summary             string      `json:"summary"`
}
