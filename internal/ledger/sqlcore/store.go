package sqlcore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/davidahmann/arcana/internal/ledger"
	"github.com/davidahmann/arcana/pkg/types"
)

type Store struct {
	db *sql.DB
	d  Dialect
}

func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, d: d}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) WithTx(fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return err
	}
	if s.d.TxSetup != "" {
		if _, err := tx.Exec(s.d.TxSetup); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := fn(&Tx{tx: tx, d: s.d}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) queryRow(query string, args ...any) *sql.Row {
	return s.db.QueryRow(s.d.Rebind(query), args...)
}

func (s *Store) query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(s.d.Rebind(query), args...)
}

func (s *Store) PutKey(key ledger.KeyRecord) error {
	_, err := s.db.Exec(s.d.Rebind(`INSERT INTO keys(key_id, public_key, created_at, rotated_at) VALUES(?, ?, ?, ?) ON CONFLICT DO NOTHING`),
		key.KeyID, key.PublicKey, key.CreatedAt, key.RotatedAt)
	return err
}

func (s *Store) GetKey(keyID string) (ledger.KeyRecord, bool, error) {
	var rec ledger.KeyRecord
	row := s.queryRow(`SELECT key_id, public_key, created_at, rotated_at FROM keys WHERE key_id = ?`, keyID)
	if err := row.Scan(&rec.KeyID, &rec.PublicKey, &rec.CreatedAt, &rec.RotatedAt); err != nil {
		return found(ledger.KeyRecord{}, err, "get key")
	}
	return rec, true, nil
}

const snapshotColumns = `snapshot_id, policy_id, merchant_id, hash, effective_at, fields_json, raw_source, source_url, source_checksum, reviewed, created_at`

func (s *Store) PutPolicySnapshot(snapshot types.PolicySnapshot) error {
	fields, err := json.Marshal(snapshot.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.d.Rebind(`INSERT INTO policy_snapshots(`+snapshotColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`),
		snapshot.SnapshotID, snapshot.PolicyID, snapshot.MerchantID, snapshot.Hash, snapshot.EffectiveAt,
		string(fields), snapshot.RawSource, snapshot.SourceURL, snapshot.SourceChecksum,
		s.d.Bool(snapshot.Reviewed), snapshot.CreatedAt)
	return err
}

func (s *Store) GetPolicySnapshot(snapshotID string) (types.PolicySnapshot, bool, error) {
	return scanSnapshot(s.queryRow(`SELECT `+snapshotColumns+` FROM policy_snapshots WHERE snapshot_id = ?`, snapshotID))
}

func (s *Store) GetPolicySnapshotByHash(hash string) (types.PolicySnapshot, bool, error) {
	return scanSnapshot(s.queryRow(`SELECT `+snapshotColumns+` FROM policy_snapshots WHERE hash = ? ORDER BY seq ASC LIMIT 1`, hash))
}

func (s *Store) LatestPolicySnapshot(policyID string) (types.PolicySnapshot, bool, error) {
	return scanSnapshot(s.queryRow(`SELECT `+snapshotColumns+` FROM policy_snapshots WHERE policy_id = ? ORDER BY seq DESC LIMIT 1`, policyID))
}

func (s *Store) FindMerchantSnapshot(merchantID, hash string) (types.PolicySnapshot, bool, error) {
	return scanSnapshot(s.queryRow(`SELECT `+snapshotColumns+` FROM policy_snapshots WHERE merchant_id = ? AND hash = ?`, merchantID, hash))
}

func (s *Store) LatestMerchantPolicy(merchantID string) (types.PolicySnapshot, bool, error) {
	return scanSnapshot(s.queryRow(`SELECT `+snapshotColumns+` FROM policy_snapshots WHERE merchant_id = ? ORDER BY seq DESC LIMIT 1`, merchantID))
}

func (s *Store) CountPolicySnapshots(policyID string) (int, error) {
	var n int
	err := s.queryRow(`SELECT COUNT(*) FROM policy_snapshots WHERE policy_id = ?`, policyID).Scan(&n)
	return n, err
}

const tokenColumns = `jti, trace_id, merchant_id, order_id, customer_ref, items_hash, items_json, policy_snapshot_hash, country, device_hash, agent_id, risk_factors_json, risk_score, expires_at, revoked, revoked_at, created_at`

func (s *Store) GetToken(jti string) (types.ReturnToken, bool, error) {
	var rec types.ReturnToken
	var items, factors string
	row := s.queryRow(`SELECT `+tokenColumns+` FROM return_tokens WHERE jti = ?`, jti)
	err := row.Scan(&rec.JTI, &rec.TraceID, &rec.MerchantID, &rec.OrderID, &rec.CustomerRef, &rec.ItemsHash, &items,
		&rec.PolicySnapshotHash, &rec.Country, &rec.DeviceHash, &rec.AgentID, &factors, &rec.RiskScore, &rec.ExpiresAt,
		&rec.Revoked, &rec.RevokedAt, &rec.CreatedAt)
	if err != nil {
		return found(types.ReturnToken{}, err, "get token")
	}
	if err := json.Unmarshal([]byte(items), &rec.Items); err != nil {
		return types.ReturnToken{}, false, fmt.Errorf("decode token items: %w", err)
	}
	if err := json.Unmarshal([]byte(factors), &rec.RiskFactors); err != nil {
		return types.ReturnToken{}, false, fmt.Errorf("decode token risk factors: %w", err)
	}
	return rec, true, nil
}

func (s *Store) DeviceSeen(merchantID, deviceHash string) (bool, error) {
	var n int
	err := s.queryRow(`SELECT COUNT(*) FROM return_tokens WHERE merchant_id = ? AND device_hash = ?`, merchantID, deviceHash).Scan(&n)
	return n > 0, err
}

func (s *Store) ListEvidence(traceID string) ([]types.EvidenceRecord, error) {
	rows, err := s.query(`SELECT evidence_id, trace_id, decision_id, type, url, created_at FROM evidence WHERE trace_id = ? ORDER BY seq ASC`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.EvidenceRecord{}
	for rows.Next() {
		var rec types.EvidenceRecord
		if err := rows.Scan(&rec.EvidenceID, &rec.TraceID, &rec.DecisionID, &rec.Type, &rec.URL, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const decisionColumns = `decision_id, trace_id, merchant_id, return_token_jti, input_summary_hash, decision, risk_score, explanations_json, created_at`

func (s *Store) GetDecision(decisionID string) (types.Decision, bool, error) {
	rec, err := scanDecision(s.queryRow(`SELECT `+decisionColumns+` FROM decisions WHERE decision_id = ?`, decisionID))
	if err != nil {
		return found(types.Decision{}, err, "get decision")
	}
	return rec, true, nil
}

func (s *Store) LatestDecisionForToken(jti string) (types.Decision, bool, error) {
	rec, err := scanDecision(s.queryRow(`SELECT `+decisionColumns+` FROM decisions WHERE return_token_jti = ? ORDER BY seq DESC LIMIT 1`, jti))
	if err != nil {
		return found(types.Decision{}, err, "latest decision")
	}
	return rec, true, nil
}

func (s *Store) ListDecisions(merchantID string, limit int) ([]types.Decision, error) {
	rows, err := s.query(`SELECT `+decisionColumns+` FROM decisions WHERE merchant_id = ? ORDER BY seq DESC LIMIT ?`, merchantID, ledger.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.Decision{}
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetDecisionBOM(decisionID string) (types.DecisionBOM, bool, error) {
	var rec types.DecisionBOM
	var tools string
	var env sql.NullString
	row := s.queryRow(`SELECT decision_id, model_ref, prompt_ref, tool_refs_json, corpus_snapshot_ref, policy_snapshot_hash, code_version, env_snapshot_json
FROM decision_boms WHERE decision_id = ?`, decisionID)
	if err := row.Scan(&rec.DecisionID, &rec.ModelRef, &rec.PromptRef, &tools, &rec.CorpusSnapshotRef, &rec.PolicySnapshotHash, &rec.CodeVersion, &env); err != nil {
		return found(types.DecisionBOM{}, err, "get decision bom")
	}
	if err := json.Unmarshal([]byte(tools), &rec.ToolRefs); err != nil {
		return types.DecisionBOM{}, false, fmt.Errorf("decode bom tool refs: %w", err)
	}
	if env.Valid && env.String != "" {
		if err := json.Unmarshal([]byte(env.String), &rec.EnvSnapshot); err != nil {
			return types.DecisionBOM{}, false, fmt.Errorf("decode bom env snapshot: %w", err)
		}
	}
	return rec, true, nil
}

func (s *Store) GetReplay(replayID string) (types.ReplayArtifact, bool, error) {
	var body string
	if err := s.queryRow(`SELECT body_json FROM replays WHERE replay_id = ?`, replayID).Scan(&body); err != nil {
		return found(types.ReplayArtifact{}, err, "get replay")
	}
	var rec types.ReplayArtifact
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return types.ReplayArtifact{}, false, fmt.Errorf("decode replay: %w", err)
	}
	return rec, true, nil
}

const receiptColumns = `receipt_id, jti, decision_id, merchant_id, refund_instruction, body_json, body_digest, key_id, sig, created_at`

func (s *Store) GetReceipt(receiptID string) (ledger.ReceiptRecord, bool, error) {
	return scanReceipt(s.queryRow(`SELECT `+receiptColumns+` FROM commit_receipts WHERE receipt_id = ?`, receiptID))
}

func (s *Store) GetReceiptByToken(jti string) (ledger.ReceiptRecord, bool, error) {
	return scanReceipt(s.queryRow(`SELECT `+receiptColumns+` FROM commit_receipts WHERE jti = ?`, jti))
}

func (s *Store) PutAuditEvent(event ledger.AuditEventRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutAuditEvent(event) })
}

func (s *Store) ListAuditEvents(traceID string) ([]ledger.AuditEventRecord, error) {
	rows, err := s.query(`SELECT event_id, kind, merchant_id, trace_id, ref, created_at FROM audit_events WHERE trace_id = ? ORDER BY seq ASC`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.AuditEventRecord{}
	for rows.Next() {
		var rec ledger.AuditEventRecord
		if err := rows.Scan(&rec.EventID, &rec.Kind, &rec.MerchantID, &rec.TraceID, &rec.Ref, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// found maps sql.ErrNoRows to absence and wraps anything else.
func found[T any](zero T, err error, op string) (T, bool, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	return zero, false, fmt.Errorf("%s: %w", op, err)
}

func scanSnapshot(row scanner) (types.PolicySnapshot, bool, error) {
	var rec types.PolicySnapshot
	var fields string
	err := row.Scan(&rec.SnapshotID, &rec.PolicyID, &rec.MerchantID, &rec.Hash, &rec.EffectiveAt, &fields,
		&rec.RawSource, &rec.SourceURL, &rec.SourceChecksum, &rec.Reviewed, &rec.CreatedAt)
	if err != nil {
		return found(types.PolicySnapshot{}, err, "get policy snapshot")
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return types.PolicySnapshot{}, false, fmt.Errorf("decode policy fields: %w", err)
	}
	return rec, true, nil
}

func scanDecision(row scanner) (types.Decision, error) {
	var rec types.Decision
	var explanations string
	var outcome string
	err := row.Scan(&rec.DecisionID, &rec.TraceID, &rec.MerchantID, &rec.ReturnTokenJTI, &rec.InputSummaryHash,
		&outcome, &rec.Output.RiskScore, &explanations, &rec.CreatedAt)
	if err != nil {
		return types.Decision{}, err
	}
	rec.Output.Decision = types.Outcome(outcome)
	if err := json.Unmarshal([]byte(explanations), &rec.Explanations); err != nil {
		return types.Decision{}, err
	}
	return rec, nil
}

func scanReceipt(row scanner) (ledger.ReceiptRecord, bool, error) {
	var rec ledger.ReceiptRecord
	var refund string
	err := row.Scan(&rec.ReceiptID, &rec.JTI, &rec.DecisionID, &rec.MerchantID, &refund, &rec.BodyJSON,
		&rec.BodyDigest, &rec.KeyID, &rec.Sig, &rec.CreatedAt)
	if err != nil {
		return found(ledger.ReceiptRecord{}, err, "get receipt")
	}
	rec.RefundInstruction = types.RefundInstruction(refund)
	return rec, true, nil
}
