package policy_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidahmann/arcana/internal/errs"
	"github.com/davidahmann/arcana/internal/ids"
	"github.com/davidahmann/arcana/internal/ledger"
	"github.com/davidahmann/arcana/internal/policy"
	"github.com/davidahmann/arcana/pkg/types"
)

const samplePolicy = "Returns are accepted within 30 days by mail. A 15% restocking fee applies. " +
	"Final sale items cannot be returned. Please include your receipt."

func newService(t *testing.T) (*policy.Service, *ledger.InMemoryStore) {
	t.Helper()
	store := ledger.NewInMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := policy.NewService(store, policy.WithClock(func() time.Time { return now }))
	return svc, store
}

func TestImportTextExtractsFields(t *testing.T) {
	svc, _ := newService(t)

	resp, err := svc.Import(context.Background(), types.PolicyImportRequest{
		SourceType:    types.PolicySourceText,
		SourceContent: samplePolicy,
		MerchantID:    "m1",
	})
	require.NoError(t, err)

	assert.True(t, ids.HasPrefix(resp.PolicyID, ids.PrefixPolicy))
	assert.Equal(t, resp.PolicyID+"_v1", resp.SnapshotID)
	assert.True(t, strings.HasPrefix(resp.PolicySnapshotHash, "sha256:"))
	assert.True(t, resp.RequiresReview)
	assert.InDelta(t, 1.0, resp.Confidence, 1e-9)

	fields := resp.ExtractedFields
	assert.Equal(t, 30, fields.ReturnWindowDays)
	assert.Equal(t, 15, fields.RestockFeePct)
	assert.Equal(t, []string{types.ChannelMailIn}, fields.AllowedChannels)
	assert.Equal(t, []string{"final_sale"}, fields.Exclusions)
	assert.Contains(t, fields.Evidence, "receipt")
}

func TestImportIsIdempotentPerMerchant(t *testing.T) {
	svc, _ := newService(t)
	req := types.PolicyImportRequest{SourceType: types.PolicySourceText, SourceContent: samplePolicy, MerchantID: "m1"}

	first, err := svc.Import(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Import(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, second.RequiresReview)
	assert.Equal(t, first.PolicyID, second.PolicyID)
	assert.Equal(t, first.SnapshotID, second.SnapshotID)
	assert.Equal(t, first.PolicySnapshotHash, second.PolicySnapshotHash)

	// same content under another merchant is a separate policy
	other, err := svc.Import(context.Background(), types.PolicyImportRequest{SourceType: types.PolicySourceText, SourceContent: samplePolicy, MerchantID: "m2"})
	require.NoError(t, err)
	assert.NotEqual(t, first.PolicyID, other.PolicyID)
	assert.True(t, other.RequiresReview)
}

func TestImportNewContentAddsVersion(t *testing.T) {
	svc, _ := newService(t)

	v1, err := svc.Import(context.Background(), types.PolicyImportRequest{SourceType: types.PolicySourceText, SourceContent: samplePolicy, MerchantID: "m1"})
	require.NoError(t, err)
	v2, err := svc.Import(context.Background(), types.PolicyImportRequest{
		SourceType:    types.PolicySourceText,
		SourceContent: strings.Replace(samplePolicy, "30 days", "45 days", 1),
		MerchantID:    "m1",
	})
	require.NoError(t, err)

	assert.Equal(t, v1.PolicyID, v2.PolicyID)
	assert.Equal(t, v1.PolicyID+"_v2", v2.SnapshotID)
	assert.NotEqual(t, v1.PolicySnapshotHash, v2.PolicySnapshotHash)
	assert.True(t, v2.RequiresReview)

	latest, err := svc.Get(v1.PolicyID)
	require.NoError(t, err)
	assert.Equal(t, v2.SnapshotID, latest.SnapshotID)
	assert.Equal(t, 45, latest.Fields.ReturnWindowDays)

	byHash, err := svc.GetByHash(v1.PolicySnapshotHash)
	require.NoError(t, err)
	assert.Equal(t, v1.SnapshotID, byHash.SnapshotID)

	diff, err := svc.Diff(v1.SnapshotID, v2.SnapshotID)
	require.NoError(t, err)
	require.Len(t, diff.Changes, 1)
	assert.Equal(t, "return_window_days", diff.Changes[0].Field)
	assert.Equal(t, "modified", diff.Changes[0].ChangeType)
	assert.Equal(t, "1 field(s) changed", diff.Summary)
}

func TestGetUnknownPolicy(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Get("plc_missing")
	assert.True(t, errs.Is(err, errs.KindNotFound))
	_, err = svc.GetByHash("sha256:missing")
	assert.True(t, errs.Is(err, errs.KindNotFound))
	_, err = svc.Diff("a", "b")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestImportValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		req   types.PolicyImportRequest
		field string
	}{
		{"missing merchant", types.PolicyImportRequest{SourceType: types.PolicySourceText, SourceContent: "x"}, "merchant_id"},
		{"unknown source", types.PolicyImportRequest{SourceType: "docx", MerchantID: "m1"}, "source_type"},
		{"empty text", types.PolicyImportRequest{SourceType: types.PolicySourceText, MerchantID: "m1"}, "source_content"},
		{"missing url", types.PolicyImportRequest{SourceType: types.PolicySourceURL, MerchantID: "m1"}, "source_url"},
		{"bad pdf", types.PolicyImportRequest{SourceType: types.PolicySourcePDF, SourceContent: "%%%", MerchantID: "m1"}, "source_content"},
		{"bad effective_at", types.PolicyImportRequest{SourceType: types.PolicySourceText, SourceContent: "x", MerchantID: "m1", EffectiveAt: "tomorrow"}, "effective_at"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Import(ctx, tc.req)
			e, ok := errs.As(err)
			require.True(t, ok, "expected typed error, got %v", err)
			assert.Equal(t, errs.KindValidation, e.Kind)
			require.NotEmpty(t, e.Details)
			assert.Equal(t, tc.field, e.Details[0].Field)
		})
	}
}

func TestImportFieldsRejectsUnknownChannel(t *testing.T) {
	svc, _ := newService(t)

	fields := policy.Defaults()
	fields.AllowedChannels = []string{"carrier_pigeon"}
	_, err := svc.ImportFields(context.Background(), "m1", fields, policy.Source{})
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestImportFieldsReviewedSkipsReview(t *testing.T) {
	svc, _ := newService(t)

	resp, err := svc.ImportFields(context.Background(), "m1", policy.Defaults(), policy.Source{Reviewed: true, EffectiveAt: "2026-02-01T00:00:00Z"})
	require.NoError(t, err)
	assert.False(t, resp.RequiresReview)

	snap, err := svc.Get(resp.PolicyID)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-01T00:00:00Z", snap.EffectiveAt)
	assert.True(t, snap.Reviewed)
}

func TestImportFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Items may be returned within 14 days at a drop-off point or in-store."))
	}))
	defer srv.Close()

	svc, _ := newService(t)
	resp, err := svc.Import(context.Background(), types.PolicyImportRequest{SourceType: types.PolicySourceURL, SourceURL: srv.URL, MerchantID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 14, resp.ExtractedFields.ReturnWindowDays)
	assert.Equal(t, []string{types.ChannelDropOff, types.ChannelInStore}, resp.ExtractedFields.AllowedChannels)

	snap, err := svc.Get(resp.PolicyID)
	require.NoError(t, err)
	assert.Equal(t, srv.URL, snap.SourceURL)
	assert.NotEmpty(t, snap.SourceChecksum)
}

func TestImportFromURLFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	svc, _ := newService(t)
	_, err := svc.Import(context.Background(), types.PolicyImportRequest{SourceType: types.PolicySourceURL, SourceURL: srv.URL, MerchantID: "m1"})
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestImportFromPDF(t *testing.T) {
	svc, _ := newService(t)
	content := base64.StdEncoding.EncodeToString([]byte("Refunds within 60 days. Gift cards are not returnable."))

	resp, err := svc.Import(context.Background(), types.PolicyImportRequest{SourceType: types.PolicySourcePDF, SourceContent: content, MerchantID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 60, resp.ExtractedFields.ReturnWindowDays)
	assert.Equal(t, []string{"gift_cards"}, resp.ExtractedFields.Exclusions)
}
