package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidahmann/arcana/internal/errs"
	"github.com/davidahmann/arcana/pkg/types"
)

func seqIDs() func(string) string {
	n := 0
	return func(prefix string) string {
		n++
		return fmt.Sprintf("%s_%d", prefix, n)
	}
}

var policyFields = types.PolicyFields{
	ReturnWindowDays: 30,
	AllowedChannels:  []string{"mail_in"},
	Evidence:         []string{"photo_packaging"},
	Exclusions:       []string{},
}

// seedDecision stores a token, one evidence row and an approve decision.
func seedDecision(t *testing.T, s *InMemoryStore, id string, outcome types.Outcome, explanations []string, codeVersion string) {
	t.Helper()
	require.NoError(t, s.PutPolicySnapshot(types.PolicySnapshot{
		PolicyID: "plc_1", SnapshotID: "plc_1_v1", Hash: "sha256:policy", MerchantID: "m1", Fields: policyFields,
	}))
	err := s.WithTx(func(tx Tx) error {
		if err := tx.PutToken(types.ReturnToken{
			JTI:                "rt_1",
			TraceID:            "trc_1",
			MerchantID:         "m1",
			Items:              []types.ReturnItem{{SKU: "A", Qty: 1, PriceCents: 1000}},
			PolicySnapshotHash: "sha256:policy",
			RiskFactors:        []string{"new_device"},
		}); err != nil {
			return err
		}
		if err := tx.PutEvidence(types.EvidenceRecord{EvidenceID: "evd_" + id, TraceID: "trc_1", DecisionID: id, Type: "photo_packaging", URL: "https://img/1.jpg"}); err != nil {
			return err
		}
		if err := tx.PutDecision(types.Decision{
			DecisionID:     id,
			TraceID:        "trc_1",
			MerchantID:     "m1",
			ReturnTokenJTI: "rt_1",
			Output:         types.DecisionOutput{Decision: outcome, RiskScore: 0.2},
			Explanations:   explanations,
		}); err != nil {
			return err
		}
		return tx.PutDecisionBOM(types.DecisionBOM{
			DecisionID:         id,
			ToolRefs:           []string{"policy_engine_v1", "risk_rules_v2", "custom"},
			PolicySnapshotHash: "sha256:policy",
			CodeVersion:        codeVersion,
		})
	})
	require.NoError(t, err)
}

func newTestAEL(s *InMemoryStore, opts ...AELOption) *AEL {
	base := []AELOption{
		WithAELIDs(seqIDs()),
		WithAELClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }),
	}
	return NewAEL(s, append(base, opts...)...)
}

func TestGetDecisionNotFound(t *testing.T) {
	a := newTestAEL(NewInMemoryStore())
	_, err := a.GetDecision(context.Background(), "", "dec_missing")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
	e, _ := errs.As(err)
	assert.Equal(t, errs.CodeDecisionNotFound, e.Code)
}

func TestGetDecisionScopedToMerchant(t *testing.T) {
	s := NewInMemoryStore()
	seedDecision(t, s, "dec_1", types.OutcomeApprove, []string{"within return window"}, "1.0.0")
	a := newTestAEL(s)

	got, err := a.GetDecision(context.Background(), "m1", "dec_1")
	require.NoError(t, err)
	assert.Equal(t, "sha256:policy", got.BOM.PolicySnapshotHash)

	_, err = a.GetDecision(context.Background(), "m2", "dec_1")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

type fakeExporter struct{ calls int }

func (f *fakeExporter) Export(_ context.Context, replay types.ReplayArtifact) (string, error) {
	f.calls++
	return "s3://bundles/" + replay.ReplayID + ".json", nil
}

func TestGenerateReplayRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	seedDecision(t, s, "dec_1", types.OutcomeApprove, []string{"within return window"}, "1.0.0")
	exporter := &fakeExporter{}
	a := newTestAEL(s, WithBundleExporter(exporter))
	ctx := context.Background()

	first, err := a.GenerateReplay(ctx, "m1", "dec_1")
	require.NoError(t, err)
	second, err := a.GenerateReplay(ctx, "m1", "dec_1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ReplayID, second.ReplayID)
	assert.Equal(t, 2, exporter.calls)

	stored, err := a.GetReplay(ctx, "m1", first.ReplayID)
	require.NoError(t, err)
	assert.Equal(t, "sha256:policy", stored.EnvLock.PolicySnapshotHash)
	assert.Equal(t, "n/a", stored.EnvLock.ModelHash)
	assert.Equal(t, map[string]string{"policy_engine_v1": "v1", "risk_rules_v2": "v2", "custom": "v1"}, stored.EnvLock.ToolVersions)
	assert.Equal(t, "rt_1", stored.Inputs.TokenClaims.JTI)
	assert.Len(t, stored.Inputs.Evidence, 1)
	assert.Equal(t, types.OutcomeApprove, stored.Outputs.Decision)
	assert.Equal(t, "s3://bundles/"+first.ReplayID+".json", stored.BundleURL)

	events, _ := s.ListAuditEvents("trc_1")
	assert.Len(t, events, 2)

	_, err = a.GenerateReplay(ctx, "m1", "dec_missing")
	assert.True(t, errs.Is(err, errs.KindNotFound))
	_, err = a.GetReplay(ctx, "m1", "rpl_missing")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestGenerateReplayExportFailure(t *testing.T) {
	s := NewInMemoryStore()
	seedDecision(t, s, "dec_1", types.OutcomeApprove, []string{"within return window"}, "1.0.0")
	a := newTestAEL(s, WithBundleExporter(failingExporter{}))

	_, err := a.GenerateReplay(context.Background(), "", "dec_1")
	require.Error(t, err)
}

type failingExporter struct{}

func (failingExporter) Export(context.Context, types.ReplayArtifact) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestVerifyReplay(t *testing.T) {
	s := NewInMemoryStore()
	seedDecision(t, s, "dec_1", types.OutcomeApprove, []string{"within return window"}, "1.0.0")
	a := newTestAEL(s)
	ctx := context.Background()

	replay, err := a.GenerateReplay(ctx, "m1", "dec_1")
	require.NoError(t, err)

	got, err := a.VerifyReplay(ctx, "m1", replay.ReplayID)
	require.NoError(t, err)
	assert.True(t, got.Match, "mismatches: %v", got.Mismatches)
	assert.Equal(t, types.OutcomeApprove, got.Recomputed.Decision)
}

func TestVerifyReplayDetectsMismatch(t *testing.T) {
	s := NewInMemoryStore()
	seedDecision(t, s, "dec_1", types.OutcomeStepUp, []string{"within return window", "high risk factors detected"}, "1.0.0")
	a := newTestAEL(s)
	ctx := context.Background()

	replay, err := a.GenerateReplay(ctx, "m1", "dec_1")
	require.NoError(t, err)
	got, err := a.VerifyReplay(ctx, "m1", replay.ReplayID)
	require.NoError(t, err)
	assert.False(t, got.Match)
	assert.Equal(t, []string{"decision", "explanations"}, got.Mismatches)
}

func TestDiffSelfIsEmpty(t *testing.T) {
	s := NewInMemoryStore()
	seedDecision(t, s, "dec_1", types.OutcomeApprove, []string{"a", "b"}, "1.0.0")
	a := newTestAEL(s)

	report, err := a.DiffDecisions(context.Background(), "m1", "dec_1", "dec_1")
	require.NoError(t, err)
	assert.False(t, report.Changes.DecisionDelta.Changed)
	assert.Empty(t, report.Changes.RationaleDelta)
	assert.Equal(t, "No decision change", report.Summary)
	assert.Equal(t, "unchanged", report.EnvChange.CodeVersion)
}

func TestDiffRationaleDelta(t *testing.T) {
	s := NewInMemoryStore()
	seedDecision(t, s, "dec_1", types.OutcomeApprove, []string{"a", "b"}, "1.0.0")
	seedDecision(t, s, "dec_2", types.OutcomeStepUp, []string{"b", "c"}, "1.2.0")
	a := newTestAEL(s)

	report, err := a.DiffDecisions(context.Background(), "", "dec_1", "dec_2")
	require.NoError(t, err)
	require.Len(t, report.Changes.RationaleDelta, 2)

	first := report.Changes.RationaleDelta[0]
	assert.Equal(t, "explanation", first.Field)
	assert.Equal(t, "a", *first.BaselineValue)
	assert.Nil(t, first.CandidateValue)

	second := report.Changes.RationaleDelta[1]
	assert.Nil(t, second.BaselineValue)
	assert.Equal(t, "c", *second.CandidateValue)

	assert.True(t, report.Changes.DecisionDelta.Changed)
	assert.Equal(t, "Decision changed: approve → step_up", report.Summary)
	assert.Equal(t, "upgrade", report.EnvChange.CodeVersion)
	assert.False(t, report.EnvChange.PolicyChanged)

	_, err = a.DiffDecisions(context.Background(), "", "dec_1", "dec_missing")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestListDecisionsClamps(t *testing.T) {
	s := NewInMemoryStore()
	seedDecision(t, s, "dec_1", types.OutcomeApprove, nil, "1.0.0")
	seedDecision(t, s, "dec_2", types.OutcomeApprove, nil, "1.0.0")
	a := newTestAEL(s)

	list, err := a.ListDecisions(context.Background(), "m1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "dec_2", list[0].DecisionID)
}

func TestCompareCodeVersions(t *testing.T) {
	assert.Equal(t, "downgrade", compareCodeVersions("2.0.0", "1.9.9"))
	assert.Equal(t, "unknown", compareCodeVersions("abc", "def"))
	assert.Equal(t, "unchanged", compareCodeVersions("dev", "dev"))
}

type recordingPutter struct {
	input *s3.PutObjectInput
}

func (r *recordingPutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	r.input = in
	return &s3.PutObjectOutput{}, nil
}

func TestS3BundleExporter(t *testing.T) {
	putter := &recordingPutter{}
	exporter, err := NewS3BundleExporter(putter, "arcana-replays", "/bundles/")
	require.NoError(t, err)

	url, err := exporter.Export(context.Background(), types.ReplayArtifact{ReplayID: "rpl_1"})
	require.NoError(t, err)
	assert.Equal(t, "s3://arcana-replays/bundles/rpl_1.json", url)
	require.NotNil(t, putter.input)
	assert.Equal(t, "bundles/rpl_1.json", *putter.input.Key)
	assert.Equal(t, "application/json", *putter.input.ContentType)

	_, err = NewS3BundleExporter(putter, "", "")
	assert.Error(t, err)
}
