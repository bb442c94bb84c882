package types

type ReturnItem struct {
	SKU        string `json:"sku"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
	Name       string `json:"name,omitempty"`
	ItemClass  string `json:"item_class,omitempty"`
}

type AgentHeaders struct {
	AgentID     string `json:"agent_id,omitempty"`
	Attestation string `json:"attestation,omitempty"`
	Version     string `json:"version,omitempty"`
}

type TokenRequest struct {
	OrderID           string        `json:"order_id"`
	CustomerRef       string        `json:"customer_ref"`
	Items             []ReturnItem  `json:"items"`
	ReasonCode        string        `json:"reason_code"`
	DeviceFingerprint string        `json:"device_fingerprint,omitempty"`
	AgentHeaders      *AgentHeaders `json:"agent_headers,omitempty"`
	PolicyID          string        `json:"policy_id"`
	Country           string        `json:"country,omitempty"`
}

type TokenResponse struct {
	ReturnToken        string   `json:"return_token"`
	RiskScore          float64  `json:"risk_score"`
	RequiredEvidence   []string `json:"required_evidence"`
	PolicySnapshotHash string   `json:"policy_snapshot_hash"`
	TraceID            string   `json:"trace_id"`
	ExpiresAt          string   `json:"expires_at"`
}

// ReturnToken is the persisted mirror of a signed token's claims.
type ReturnToken struct {
	JTI                string       `json:"jti"`
	TraceID            string       `json:"trace_id"`
	MerchantID         string       `json:"merchant_id"`
	OrderID            string       `json:"order_id"`
	CustomerRef        string       `json:"customer_ref"`
	ItemsHash          string       `json:"items_hash"`
	Items              []ReturnItem `json:"items"`
	PolicySnapshotHash string       `json:"policy_snapshot_hash"`
	Country            string       `json:"country,omitempty"`
	DeviceHash         string       `json:"device_hash,omitempty"`
	AgentID            string       `json:"agent_id,omitempty"`
	RiskFactors        []string     `json:"risk_factors"`
	RiskScore          float64      `json:"risk_score"`
	ExpiresAt          string       `json:"expires_at"`
	Revoked            bool         `json:"revoked"`
	RevokedAt          *string      `json:"revoked_at,omitempty"`
	CreatedAt          string       `json:"created_at"`
}

type Evidence struct {
	Type       string `json:"type"`
	URL        string `json:"url"`
	UploadedAt string `json:"uploaded_at,omitempty"`
}

type EvidenceRecord struct {
	EvidenceID string `json:"evidence_id"`
	TraceID    string `json:"trace_id"`
	DecisionID string `json:"decision_id,omitempty"`
	Type       string `json:"type"`
	URL        string `json:"url"`
	CreatedAt  string `json:"created_at"`
}

type AuthorizeRequest struct {
	ReturnToken   string     `json:"return_token"`
	Evidence      []Evidence `json:"evidence"`
	DropoffChoice string     `json:"dropoff_choice,omitempty"`
}

type Conditions struct {
	RestockPct int `json:"restock_pct"`
	Window     int `json:"window"`
}

type AuthorizeResponse struct {
	Decision           Outcome    `json:"decision"`
	DecisionID         string     `json:"decision_id"`
	Conditions         Conditions `json:"conditions"`
	LabelCredential    *string    `json:"label_credential"`
	Explanations       []string   `json:"explanations"`
	AuditRef           string     `json:"audit_ref"`
	StepUpRequirements []string   `json:"step_up_requirements,omitempty"`
}

type ReceiptEventType string

const (
	ReceiptEventScan     ReceiptEventType = "scan"
	ReceiptEventDropoff  ReceiptEventType = "dropoff"
	ReceiptEventReceived ReceiptEventType = "received"
)

type ReceiptEvent struct {
	Type           ReceiptEventType `json:"type"`
	Carrier        string           `json:"carrier,omitempty"`
	TS             string           `json:"ts"`
	TrackingNumber string           `json:"tracking_number,omitempty"`
}

type CommitRequest struct {
	ReturnToken  string       `json:"return_token"`
	ReceiptEvent ReceiptEvent `json:"receipt_event"`
}

type RefundInstruction string

const (
	RefundInstant RefundInstruction = "instant"
	RefundHold    RefundInstruction = "hold"
	RefundPartial RefundInstruction = "partial"
	RefundDeny    RefundInstruction = "deny"
)

type FinalReceipt struct {
	ID           string `json:"id"`
	RefundMethod string `json:"refund_method,omitempty"`
	RestockPct   int    `json:"restock_pct"`
	KeyID        string `json:"key_id,omitempty"`
	Sig          string `json:"sig,omitempty"`
}

type CommitResponse struct {
	RefundInstruction RefundInstruction `json:"refund_instruction"`
	FinalReceipt      FinalReceipt      `json:"final_receipt"`
	AuditRef          string            `json:"audit_ref"`
}

type CancelResponse struct {
	JTI       string `json:"jti"`
	RevokedAt string `json:"revoked_at"`
}
