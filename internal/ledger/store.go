package ledger

import "github.com/davidahmann/arcana/pkg/types"

// Reader is the read side shared by every store engine. Lookups report
// absence with ok=false and a nil error; a non-nil error is an engine failure.
type Reader interface {
	GetKey(keyID string) (KeyRecord, bool, error)

	GetPolicySnapshot(snapshotID string) (types.PolicySnapshot, bool, error)
	GetPolicySnapshotByHash(hash string) (types.PolicySnapshot, bool, error)
	LatestPolicySnapshot(policyID string) (types.PolicySnapshot, bool, error)
	FindMerchantSnapshot(merchantID, hash string) (types.PolicySnapshot, bool, error)
	LatestMerchantPolicy(merchantID string) (types.PolicySnapshot, bool, error)
	CountPolicySnapshots(policyID string) (int, error)

	GetToken(jti string) (types.ReturnToken, bool, error)
	DeviceSeen(merchantID, deviceHash string) (bool, error)

	ListEvidence(traceID string) ([]types.EvidenceRecord, error)

	GetDecision(decisionID string) (types.Decision, bool, error)
	GetDecisionBOM(decisionID string) (types.DecisionBOM, bool, error)
	LatestDecisionForToken(jti string) (types.Decision, bool, error)
	ListDecisions(merchantID string, limit int) ([]types.Decision, error)

	GetReplay(replayID string) (types.ReplayArtifact, bool, error)

	GetReceipt(receiptID string) (ReceiptRecord, bool, error)
	GetReceiptByToken(jti string) (ReceiptRecord, bool, error)

	ListAuditEvents(traceID string) ([]AuditEventRecord, error)
}

type Store interface {
	Reader
	WithTx(fn func(Tx) error) error

	PutKey(key KeyRecord) error
	PutPolicySnapshot(snapshot types.PolicySnapshot) error
	PutAuditEvent(event AuditEventRecord) error
}

// Tx groups writes that must land together. Puts of an existing primary key
// are ignored; records are append-only.
type Tx interface {
	PutToken(token types.ReturnToken) error
	// RevokeToken flips revoked from false to true. It reports false when the
	// token was already revoked or does not exist.
	RevokeToken(jti, revokedAt string) (bool, error)

	PutEvidence(evidence types.EvidenceRecord) error
	PutDecision(decision types.Decision) error
	PutDecisionBOM(bom types.DecisionBOM) error
	PutReplay(replay types.ReplayArtifact) error
	PutReceipt(receipt ReceiptRecord) error
	PutAuditEvent(event AuditEventRecord) error
}

type KeyRecord struct {
	KeyID     string
	PublicKey []byte
	CreatedAt string
	RotatedAt *string
}

type ReceiptRecord struct {
	ReceiptID         string
	JTI               string
	DecisionID        string
	MerchantID        string
	RefundInstruction types.RefundInstruction
	BodyJSON          []byte
	BodyDigest        string
	KeyID             string
	Sig               []byte
	CreatedAt         string
}

// Audit event kinds.
const (
	EventTokenIssued     = "token_issued"
	EventAuthorized      = "authorized"
	EventCommitted       = "committed"
	EventCancelled       = "cancelled"
	EventReplayGenerated = "replay_generated"
)

type AuditEventRecord struct {
	EventID    string
	Kind       string
	MerchantID string
	TraceID    string
	Ref        string
	CreatedAt  string
}

const (
	DefaultDecisionListLimit = 50
	MaxDecisionListLimit     = 500
)

// ClampLimit applies the decision list default and cap.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultDecisionListLimit
	}
	if limit > MaxDecisionListLimit {
		return MaxDecisionListLimit
	}
	return limit
}
