package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidahmann/arcana/internal/decision"
	"github.com/davidahmann/arcana/internal/errs"
	"github.com/davidahmann/arcana/internal/ids"
	"github.com/davidahmann/arcana/pkg/types"
)

// BundleExporter publishes a replay artifact and returns where it landed.
type BundleExporter interface {
	Export(ctx context.Context, replay types.ReplayArtifact) (string, error)
}

// AEL reads the audit ledger: decisions, replays and diffs.
type AEL struct {
	store    Store
	exporter BundleExporter
	now      func() time.Time
	newID    ids.Generator
	log      *slog.Logger
	tracer   trace.Tracer
}

type AELOption func(*AEL)

func WithBundleExporter(e BundleExporter) AELOption { return func(a *AEL) { a.exporter = e } }
func WithAELClock(now func() time.Time) AELOption { return func(a *AEL) { a.now = now } }
func WithAELIDs(gen ids.Generator) AELOption { return func(a *AEL) { a.newID = gen } }
func WithAELLogger(l *slog.Logger) AELOption { return func(a *AEL) { a.log = l } }

func NewAEL(store Store, opts ...AELOption) *AEL {
	a := &AEL{
		store:  store,
		now:    time.Now,
		newID:  ids.New,
		tracer: otel.Tracer("github.com/davidahmann/arcana/internal/ledger"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	return a
}

// GetDecision returns a decision and its BOM. A non-empty merchantID hides
// other merchants' decisions.
func (a *AEL) GetDecision(ctx context.Context, merchantID, decisionID string) (types.DecisionWithBOM, error) {
	_, span := a.tracer.Start(ctx, "ael.get_decision", trace.WithAttributes(attribute.String("decision_id", decisionID)))
	defer span.End()
	return a.loadDecision(merchantID, decisionID)
}

func (a *AEL) loadDecision(merchantID, decisionID string) (types.DecisionWithBOM, error) {
	d, ok, err := a.store.GetDecision(decisionID)
	if err != nil {
		return types.DecisionWithBOM{}, fmt.Errorf("get decision: %w", err)
	}
	if !ok || (merchantID != "" && d.MerchantID != merchantID) {
		return types.DecisionWithBOM{}, errs.DecisionNotFound(decisionID)
	}
	bom, ok, err := a.store.GetDecisionBOM(decisionID)
	if err != nil {
		return types.DecisionWithBOM{}, fmt.Errorf("get decision bom: %w", err)
	}
	if !ok {
		return types.DecisionWithBOM{}, fmt.Errorf("decision %s has no bom", decisionID)
	}
	return types.DecisionWithBOM{Decision: d, BOM: bom}, nil
}

// GenerateReplay freezes a decision's inputs, outputs and environment into a
// new immutable artifact. Every call mints a new replay id.
func (a *AEL) GenerateReplay(ctx context.Context, merchantID, decisionID string) (types.ReplayArtifact, error) {
	ctx, span := a.tracer.Start(ctx, "ael.generate_replay", trace.WithAttributes(attribute.String("decision_id", decisionID)))
	defer span.End()

	rec, err := a.loadDecision(merchantID, decisionID)
	if err != nil {
		return types.ReplayArtifact{}, err
	}
	token, ok, err := a.store.GetToken(rec.Decision.ReturnTokenJTI)
	if err != nil {
		return types.ReplayArtifact{}, fmt.Errorf("get token: %w", err)
	}
	if !ok {
		return types.ReplayArtifact{}, fmt.Errorf("decision %s references missing token %s", decisionID, rec.Decision.ReturnTokenJTI)
	}
	evidence, err := a.store.ListEvidence(rec.Decision.TraceID)
	if err != nil {
		return types.ReplayArtifact{}, fmt.Errorf("list evidence: %w", err)
	}

	replay := types.ReplayArtifact{
		ReplayID:   a.newID(ids.PrefixReplay),
		DecisionID: decisionID,
		EnvLock:    EnvLockFromBOM(rec.BOM),
		Inputs: types.ReplayInputs{
			TokenClaims: token,
			Evidence:    evidence,
		},
		Outputs: types.ReplayOutputs{
			Decision:     rec.Decision.Output.Decision,
			RiskScore:    rec.Decision.Output.RiskScore,
			Explanations: rec.Decision.Explanations,
		},
		CreatedAt: a.now().UTC().Format(time.RFC3339Nano),
	}

	if a.exporter != nil {
		url, err := a.exporter.Export(ctx, replay)
		if err != nil {
			return types.ReplayArtifact{}, fmt.Errorf("export replay bundle: %w", err)
		}
		replay.BundleURL = url
	}

	err = a.store.WithTx(func(tx Tx) error {
		if err := tx.PutReplay(replay); err != nil {
			return err
		}
		return tx.PutAuditEvent(AuditEventRecord{
			EventID:    a.newID(ids.PrefixAudit),
			Kind:       EventReplayGenerated,
			MerchantID: rec.Decision.MerchantID,
			TraceID:    rec.Decision.TraceID,
			Ref:        replay.ReplayID,
			CreatedAt:  replay.CreatedAt,
		})
	})
	if err != nil {
		return types.ReplayArtifact{}, fmt.Errorf("put replay: %w", err)
	}
	a.log.InfoContext(ctx, "replay generated", "decision_id", decisionID, "replay_id", replay.ReplayID)
	return replay, nil
}

func (a *AEL) GetReplay(ctx context.Context, merchantID, replayID string) (types.ReplayArtifact, error) {
	_, span := a.tracer.Start(ctx, "ael.get_replay", trace.WithAttributes(attribute.String("replay_id", replayID)))
	defer span.End()

	replay, ok, err := a.store.GetReplay(replayID)
	if err != nil {
		return types.ReplayArtifact{}, fmt.Errorf("get replay: %w", err)
	}
	if !ok || (merchantID != "" && replay.Inputs.TokenClaims.MerchantID != merchantID) {
		return types.ReplayArtifact{}, errs.Newf(errs.KindNotFound, errs.CodeReplayNotFound, "replay not found: %s", replayID)
	}
	return replay, nil
}

// VerifyReplay re-runs the decision rules on a replay's frozen inputs under
// the policy its env lock names.
func (a *AEL) VerifyReplay(ctx context.Context, merchantID, replayID string) (types.ReplayVerification, error) {
	replay, err := a.GetReplay(ctx, merchantID, replayID)
	if err != nil {
		return types.ReplayVerification{}, err
	}
	snapshot, ok, err := a.store.GetPolicySnapshotByHash(replay.EnvLock.PolicySnapshotHash)
	if err != nil {
		return types.ReplayVerification{}, fmt.Errorf("get policy snapshot: %w", err)
	}
	if !ok {
		return types.ReplayVerification{}, errs.Newf(errs.KindPolicyHashMismatch, errs.CodePolicyHashMismatch,
			"policy snapshot %s is no longer available", replay.EnvLock.PolicySnapshotHash)
	}

	var supplied []types.EvidenceRecord
	for _, ev := range replay.Inputs.Evidence {
		if ev.DecisionID == replay.DecisionID {
			supplied = append(supplied, ev)
		}
	}
	result := decision.Evaluate(decision.Input{
		RiskFactors:   replay.Inputs.TokenClaims.RiskFactors,
		Items:         replay.Inputs.TokenClaims.Items,
		EvidenceTypes: decision.RecordTypes(supplied),
		Policy:        snapshot.Fields,
	})

	out := types.ReplayVerification{
		ReplayID:   replayID,
		DecisionID: replay.DecisionID,
		Recomputed: types.ReplayOutputs{
			Decision:     result.Outcome,
			RiskScore:    result.RiskScore,
			Explanations: result.Explanations,
		},
	}
	if result.Outcome != replay.Outputs.Decision {
		out.Mismatches = append(out.Mismatches, "decision")
	}
	if result.RiskScore != replay.Outputs.RiskScore {
		out.Mismatches = append(out.Mismatches, "risk_score")
	}
	if !slices.Equal(result.Explanations, replay.Outputs.Explanations) {
		out.Mismatches = append(out.Mismatches, "explanations")
	}
	out.Match = len(out.Mismatches) == 0
	return out, nil
}

// DiffDecisions compares two recorded decisions and their environments.
func (a *AEL) DiffDecisions(ctx context.Context, merchantID, baselineID, candidateID string) (types.DiffReport, error) {
	_, span := a.tracer.Start(ctx, "ael.diff_decisions")
	defer span.End()

	baseline, err := a.loadDecision(merchantID, baselineID)
	if err != nil {
		return types.DiffReport{}, err
	}
	candidate, err := a.loadDecision(merchantID, candidateID)
	if err != nil {
		return types.DiffReport{}, err
	}
	return BuildDiff(baseline, candidate), nil
}

// BuildDiff is the pure part of DiffDecisions.
func BuildDiff(baseline, candidate types.DecisionWithBOM) types.DiffReport {
	delta := types.DecisionDelta{
		Baseline:  baseline.Decision.Output.Decision,
		Candidate: candidate.Decision.Output.Decision,
	}
	delta.Changed = delta.Baseline != delta.Candidate

	summary := "No decision change"
	if delta.Changed {
		summary = fmt.Sprintf("Decision changed: %s → %s", delta.Baseline, delta.Candidate)
	}

	return types.DiffReport{
		BaselineDecisionID:  baseline.Decision.DecisionID,
		CandidateDecisionID: candidate.Decision.DecisionID,
		BaselineEnv:         diffEnv(baseline.BOM),
		CandidateEnv:        diffEnv(candidate.BOM),
		Changes: types.DiffChanges{
			DecisionDelta:  delta,
			RationaleDelta: RationaleDelta(baseline.Decision.Explanations, candidate.Decision.Explanations),
		},
		EnvChange: types.EnvChange{
			PolicyChanged: baseline.BOM.PolicySnapshotHash != candidate.BOM.PolicySnapshotHash,
			CodeVersion:   compareCodeVersions(baseline.BOM.CodeVersion, candidate.BOM.CodeVersion),
		},
		Summary: summary,
	}
}

// RationaleDelta lists baseline-only explanations in baseline order, then
// candidate-only explanations in candidate order.
func RationaleDelta(baseline, candidate []string) []types.RationaleDelta {
	out := []types.RationaleDelta{}
	for _, exp := range baseline {
		if !slices.Contains(candidate, exp) {
			value := exp
			out = append(out, types.RationaleDelta{Field: "explanation", BaselineValue: &value})
		}
	}
	for _, exp := range candidate {
		if !slices.Contains(baseline, exp) {
			value := exp
			out = append(out, types.RationaleDelta{Field: "explanation", CandidateValue: &value})
		}
	}
	return out
}

func diffEnv(bom types.DecisionBOM) types.DiffEnv {
	return types.DiffEnv{
		PolicyHash:  bom.PolicySnapshotHash,
		ModelRef:    bom.ModelRef,
		CodeVersion: bom.CodeVersion,
	}
}

func compareCodeVersions(baseline, candidate string) string {
	b, errB := semver.NewVersion(baseline)
	c, errC := semver.NewVersion(candidate)
	if errB != nil || errC != nil {
		if baseline == candidate {
			return "unchanged"
		}
		return "unknown"
	}
	switch b.Compare(c) {
	case -1:
		return "upgrade"
	case 1:
		return "downgrade"
	default:
		return "unchanged"
	}
}

func (a *AEL) ListDecisions(ctx context.Context, merchantID string, limit int) ([]types.Decision, error) {
	_, span := a.tracer.Start(ctx, "ael.list_decisions", trace.WithAttributes(attribute.String("merchant_id", merchantID)))
	defer span.End()

	decisions, err := a.store.ListDecisions(merchantID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return decisions, nil
}

var toolVersionSuffix = regexp.MustCompile(`_(v\d+)$`)

// EnvLockFromBOM pins the environment a decision ran under.
func EnvLockFromBOM(bom types.DecisionBOM) types.EnvLock {
	model := bom.ModelRef
	if model == "" {
		model = "n/a"
	}
	tools := make(map[string]string, len(bom.ToolRefs))
	for _, ref := range bom.ToolRefs {
		version := "v1"
		if m := toolVersionSuffix.FindStringSubmatch(ref); m != nil {
			version = m[1]
		}
		tools[ref] = version
	}
	return types.EnvLock{
		ModelHash:          model,
		ToolVersions:       tools,
		PolicySnapshotHash: bom.PolicySnapshotHash,
	}
}
