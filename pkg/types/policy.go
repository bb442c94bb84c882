package types

type PolicySourceType string

const (
	PolicySourceText PolicySourceType = "text"
	PolicySourceURL  PolicySourceType = "url"
	PolicySourcePDF  PolicySourceType = "pdf"
)

// Return channels a policy may allow.
const (
	ChannelMailIn  = "mail_in"
	ChannelDropOff = "drop_off"
	ChannelInStore = "in_store"
)

type ItemClassRule struct {
	Class      string `json:"class" yaml:"class"`
	WindowDays int    `json:"window_days" yaml:"window_days"`
}

type GeoRule struct {
	Country    string `json:"country" yaml:"country"`
	WindowDays int    `json:"window_days" yaml:"window_days"`
}

// PolicyFields is the canonical, hashed part of a policy snapshot.
type PolicyFields struct {
	ReturnWindowDays int             `json:"return_window_days" yaml:"return_window_days"`
	RestockFeePct    int             `json:"restock_fee_pct" yaml:"restock_fee_pct"`
	AllowedChannels  []string        `json:"allowed_channels" yaml:"allowed_channels"`
	Evidence         []string        `json:"evidence" yaml:"evidence"`
	Exclusions       []string        `json:"exclusions" yaml:"exclusions"`
	ItemClasses      []ItemClassRule `json:"item_classes" yaml:"item_classes"`
	GeoRules         []GeoRule       `json:"geo_rules" yaml:"geo_rules"`
}

type PolicySnapshot struct {
	PolicyID       string       `json:"policy_id"`
	SnapshotID     string       `json:"snapshot_id"`
	Hash           string       `json:"hash"`
	MerchantID     string       `json:"merchant_id"`
	EffectiveAt    string       `json:"effective_at"`
	Fields         PolicyFields `json:"fields"`
	RawSource      string       `json:"raw_source,omitempty"`
	SourceURL      string       `json:"source_url,omitempty"`
	SourceChecksum string       `json:"source_checksum,omitempty"`
	Reviewed       bool         `json:"reviewed"`
	CreatedAt      string       `json:"created_at"`
}

type PolicyImportRequest struct {
	SourceType    PolicySourceType `json:"source_type"`
	SourceContent string           `json:"source_content,omitempty"`
	SourceURL     string           `json:"source_url,omitempty"`
	MerchantID    string           `json:"merchant_id"`
	EffectiveAt   string           `json:"effective_at,omitempty"`
}

type PolicyImportResponse struct {
	PolicyID           string       `json:"policy_id"`
	SnapshotID         string       `json:"snapshot_id"`
	PolicySnapshotHash string       `json:"policy_snapshot_hash"`
	RequiresReview     bool         `json:"requires_review"`
	ExtractedFields    PolicyFields `json:"extracted_fields"`
	Confidence         float64      `json:"confidence"`
}

type PolicyChange struct {
	Field      string `json:"field"`
	OldValue   any    `json:"old_value"`
	NewValue   any    `json:"new_value"`
	ChangeType string `json:"change_type"`
}

type PolicyDiff struct {
	FromSnapshotID string         `json:"from_snapshot_id"`
	ToSnapshotID   string         `json:"to_snapshot_id"`
	Changes        []PolicyChange `json:"changes"`
	Summary        string         `json:"summary"`
}
