// Package policy imports merchant return policies as content-addressed,
// versioned snapshots and evaluates the window and exclusion rules they carry.
package policy

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/davidahmann/arcana/internal/crypto"
	"github.com/davidahmann/arcana/internal/errs"
	"github.com/davidahmann/arcana/internal/ids"
	"github.com/davidahmann/arcana/pkg/types"
)

// Store is the snapshot persistence the service needs.
type Store interface {
	GetPolicySnapshot(snapshotID string) (types.PolicySnapshot, bool, error)
	GetPolicySnapshotByHash(hash string) (types.PolicySnapshot, bool, error)
	LatestPolicySnapshot(policyID string) (types.PolicySnapshot, bool, error)
	FindMerchantSnapshot(merchantID, hash string) (types.PolicySnapshot, bool, error)
	LatestMerchantPolicy(merchantID string) (types.PolicySnapshot, bool, error)
	CountPolicySnapshots(policyID string) (int, error)
	PutPolicySnapshot(snapshot types.PolicySnapshot) error
}

type Service struct {
	store     Store
	extractor Extractor
	fetcher   Fetcher
	pdf       PDFTextExtractor
	now       func() time.Time
	newID     ids.Generator
	log       *slog.Logger
}

type Option func(*Service)

func WithExtractor(e Extractor) Option { return func(s *Service) { s.extractor = e } }
func WithFetcher(f Fetcher) Option { return func(s *Service) { s.fetcher = f } }
func WithPDFText(p PDFTextExtractor) Option { return func(s *Service) { s.pdf = p } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithIDs(gen ids.Generator) Option { return func(s *Service) { s.newID = gen } }
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		extractor: KeywordExtractor{},
		fetcher:   NewHTTPFetcher(10 * time.Second),
		pdf:       RawPDFText{},
		now:       time.Now,
		newID:     ids.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Source describes where imported fields came from.
type Source struct {
	Raw         []byte
	Text        string
	URL         string
	EffectiveAt string
	Reviewed    bool
}

// Import extracts fields from the request's source and stores them as a
// snapshot unless the merchant already holds one with the same content hash.
func (s *Service) Import(ctx context.Context, req types.PolicyImportRequest) (types.PolicyImportResponse, error) {
	if strings.TrimSpace(req.MerchantID) == "" {
		return types.PolicyImportResponse{}, errs.Validation("merchant_id", "merchant_id is required")
	}

	src := Source{URL: req.SourceURL, EffectiveAt: req.EffectiveAt}
	switch req.SourceType {
	case types.PolicySourceText:
		if req.SourceContent == "" {
			return types.PolicyImportResponse{}, errs.Validation("source_content", "source_content is required for text policies")
		}
		src.Raw = []byte(req.SourceContent)
		src.Text = req.SourceContent
	case types.PolicySourceURL:
		if req.SourceURL == "" {
			return types.PolicyImportResponse{}, errs.Validation("source_url", "source_url is required for url policies")
		}
		body, err := s.fetcher.Fetch(ctx, req.SourceURL)
		if err != nil {
			return types.PolicyImportResponse{}, errs.Validation("source_url", "policy document could not be fetched: "+err.Error())
		}
		src.Raw = body
		src.Text = string(body)
	case types.PolicySourcePDF:
		decoded, err := base64.StdEncoding.DecodeString(req.SourceContent)
		if err != nil || len(decoded) == 0 {
			return types.PolicyImportResponse{}, errs.Validation("source_content", "source_content must be base64 encoded pdf")
		}
		text, err := s.pdf.ExtractText(decoded)
		if err != nil {
			return types.PolicyImportResponse{}, errs.Validation("source_content", "pdf text extraction failed: "+err.Error())
		}
		src.Raw = decoded
		src.Text = text
	default:
		return types.PolicyImportResponse{}, errs.Validation("source_type", "source_type must be one of pdf, url, text")
	}

	fields, confidence := s.extractor.Extract(src.Text)
	resp, err := s.ImportFields(ctx, req.MerchantID, fields, src)
	if err != nil {
		return types.PolicyImportResponse{}, err
	}
	resp.Confidence = confidence
	return resp, nil
}

// ImportFields stores already structured fields. requires_review is true only
// when a new snapshot was written.
func (s *Service) ImportFields(ctx context.Context, merchantID string, fields types.PolicyFields, src Source) (types.PolicyImportResponse, error) {
	if merchantID == "" {
		return types.PolicyImportResponse{}, errs.Validation("merchant_id", "merchant_id is required")
	}
	fields = Normalize(fields)
	if err := validateFields(fields); err != nil {
		return types.PolicyImportResponse{}, err
	}
	hash, err := ContentHash(fields)
	if err != nil {
		return types.PolicyImportResponse{}, fmt.Errorf("hash policy: %w", err)
	}

	effectiveAt := s.now().UTC().Format(time.RFC3339)
	if src.EffectiveAt != "" {
		t, err := time.Parse(time.RFC3339, src.EffectiveAt)
		if err != nil {
			return types.PolicyImportResponse{}, errs.Validation("effective_at", "effective_at must be RFC3339")
		}
		effectiveAt = t.UTC().Format(time.RFC3339)
	}

	snapshot := types.PolicySnapshot{
		Hash:        hash,
		MerchantID:  merchantID,
		EffectiveAt: effectiveAt,
		Fields:      fields,
		RawSource:   src.Text,
		SourceURL:   src.URL,
		Reviewed:    src.Reviewed,
	}
	if len(src.Raw) > 0 {
		snapshot.SourceChecksum = crypto.DigestHex(src.Raw)
	}

	stored, created, err := s.persist(snapshot)
	if err != nil {
		return types.PolicyImportResponse{}, err
	}
	if created {
		s.log.InfoContext(ctx, "policy snapshot created",
			"merchant_id", merchantID,
			"policy_id", stored.PolicyID,
			"snapshot_id", stored.SnapshotID,
			"hash", stored.Hash)
	}
	return types.PolicyImportResponse{
		PolicyID:           stored.PolicyID,
		SnapshotID:         stored.SnapshotID,
		PolicySnapshotHash: stored.Hash,
		RequiresReview:     created && !stored.Reviewed,
		ExtractedFields:    stored.Fields,
	}, nil
}

const persistAttempts = 3

func (s *Service) persist(snapshot types.PolicySnapshot) (types.PolicySnapshot, bool, error) {
	for attempt := 0; attempt < persistAttempts; attempt++ {
		existing, ok, err := s.store.FindMerchantSnapshot(snapshot.MerchantID, snapshot.Hash)
		if err != nil {
			return types.PolicySnapshot{}, false, fmt.Errorf("find snapshot: %w", err)
		}
		if ok {
			return existing, false, nil
		}

		policyID := s.newID(ids.PrefixPolicy)
		version := 1
		latest, ok, err := s.store.LatestMerchantPolicy(snapshot.MerchantID)
		if err != nil {
			return types.PolicySnapshot{}, false, fmt.Errorf("latest policy: %w", err)
		}
		if ok {
			policyID = latest.PolicyID
			count, err := s.store.CountPolicySnapshots(policyID)
			if err != nil {
				return types.PolicySnapshot{}, false, fmt.Errorf("count snapshots: %w", err)
			}
			version = count + 1
		}

		candidate := snapshot
		candidate.PolicyID = policyID
		candidate.SnapshotID = fmt.Sprintf("%s_v%d", policyID, version)
		candidate.CreatedAt = s.now().UTC().Format(time.RFC3339Nano)
		if err := s.store.PutPolicySnapshot(candidate); err != nil {
			return types.PolicySnapshot{}, false, fmt.Errorf("put snapshot: %w", err)
		}
		stored, ok, err := s.store.GetPolicySnapshot(candidate.SnapshotID)
		if err != nil {
			return types.PolicySnapshot{}, false, fmt.Errorf("get snapshot: %w", err)
		}
		if ok && stored.Hash == candidate.Hash {
			return stored, true, nil
		}
		// lost a race for the version number; go again
	}
	return types.PolicySnapshot{}, false, fmt.Errorf("policy import for merchant %s: concurrent version conflict", snapshot.MerchantID)
}

func validateFields(f types.PolicyFields) error {
	if f.ReturnWindowDays <= 0 {
		return errs.Validation("return_window_days", "return_window_days must be positive")
	}
	if f.RestockFeePct < 0 || f.RestockFeePct > 100 {
		return errs.Validation("restock_fee_pct", "restock_fee_pct must be between 0 and 100")
	}
	for _, channel := range f.AllowedChannels {
		switch channel {
		case types.ChannelMailIn, types.ChannelDropOff, types.ChannelInStore:
		default:
			return errs.Validation("allowed_channels", "unknown channel: "+channel)
		}
	}
	for _, rule := range f.ItemClasses {
		if rule.Class == "" || rule.WindowDays <= 0 {
			return errs.Validation("item_classes", "item class rules need a class and a positive window")
		}
	}
	for _, rule := range f.GeoRules {
		if len(rule.Country) != 2 || rule.WindowDays <= 0 {
			return errs.Validation("geo_rules", "geo rules need a two-letter country and a positive window")
		}
	}
	return nil
}

// Get returns the most recently created snapshot of a policy.
func (s *Service) Get(policyID string) (types.PolicySnapshot, error) {
	snapshot, ok, err := s.store.LatestPolicySnapshot(policyID)
	if err != nil {
		return types.PolicySnapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	if !ok {
		return types.PolicySnapshot{}, errs.PolicyNotFound(policyID)
	}
	return snapshot, nil
}

func (s *Service) GetByHash(hash string) (types.PolicySnapshot, error) {
	snapshot, ok, err := s.store.GetPolicySnapshotByHash(hash)
	if err != nil {
		return types.PolicySnapshot{}, fmt.Errorf("snapshot by hash: %w", err)
	}
	if !ok {
		return types.PolicySnapshot{}, errs.Newf(errs.KindNotFound, errs.CodePolicyNotFound, "policy snapshot not found for hash %s", hash)
	}
	return snapshot, nil
}

func (s *Service) Snapshot(snapshotID string) (types.PolicySnapshot, error) {
	snapshot, ok, err := s.store.GetPolicySnapshot(snapshotID)
	if err != nil {
		return types.PolicySnapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	if !ok {
		return types.PolicySnapshot{}, errs.Newf(errs.KindNotFound, errs.CodePolicyNotFound, "policy snapshot not found: %s", snapshotID)
	}
	return snapshot, nil
}

// Diff compares two snapshots field by field. List fields are compared whole.
func (s *Service) Diff(fromSnapshotID, toSnapshotID string) (types.PolicyDiff, error) {
	from, ok, err := s.store.GetPolicySnapshot(fromSnapshotID)
	if err != nil {
		return types.PolicyDiff{}, fmt.Errorf("get snapshot: %w", err)
	}
	if !ok {
		return types.PolicyDiff{}, errs.Newf(errs.KindNotFound, errs.CodePolicyNotFound, "policy snapshot not found: %s", fromSnapshotID)
	}
	to, ok, err := s.store.GetPolicySnapshot(toSnapshotID)
	if err != nil {
		return types.PolicyDiff{}, fmt.Errorf("get snapshot: %w", err)
	}
	if !ok {
		return types.PolicyDiff{}, errs.Newf(errs.KindNotFound, errs.CodePolicyNotFound, "policy snapshot not found: %s", toSnapshotID)
	}
	changes, err := DiffFields(from.Fields, to.Fields)
	if err != nil {
		return types.PolicyDiff{}, err
	}
	return types.PolicyDiff{
		FromSnapshotID: fromSnapshotID,
		ToSnapshotID:   toSnapshotID,
		Changes:        changes,
		Summary:        fmt.Sprintf("%d field(s) changed", len(changes)),
	}, nil
}

// DiffFields lists one modified change per field whose canonical form differs.
func DiffFields(from, to types.PolicyFields) ([]types.PolicyChange, error) {
	oldView := hashView(Normalize(from))
	newView := hashView(Normalize(to))
	changes := []types.PolicyChange{}
	for _, field := range fieldOrder {
		oldCanon, err := crypto.Canonicalize(oldView[field])
		if err != nil {
			return nil, fmt.Errorf("canonicalize %s: %w", field, err)
		}
		newCanon, err := crypto.Canonicalize(newView[field])
		if err != nil {
			return nil, fmt.Errorf("canonicalize %s: %w", field, err)
		}
		if string(oldCanon) == string(newCanon) {
			continue
		}
		changes = append(changes, types.PolicyChange{
			Field:      field,
			OldValue:   oldView[field],
			NewValue:   newView[field],
			ChangeType: "modified",
		})
	}
	return changes, nil
}

var fieldOrder = []string{
	"return_window_days",
	"restock_fee_pct",
	"allowed_channels",
	"evidence",
	"exclusions",
	"item_classes",
	"geo_rules",
}
