package sqlcore

import (
	"database/sql"
	"encoding/json"

	"github.com/davidahmann/arcana/internal/ledger"
	"github.com/davidahmann/arcana/pkg/types"
)

type Tx struct {
	tx *sql.Tx
	d  Dialect
}

func (t *Tx) exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(t.d.Rebind(query), args...)
}

func (t *Tx) PutToken(token types.ReturnToken) error {
	items, err := json.Marshal(token.Items)
	if err != nil {
		return err
	}
	factors, err := json.Marshal(nonNil(token.RiskFactors))
	if err != nil {
		return err
	}
	_, err = t.exec(`INSERT INTO return_tokens(`+tokenColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		token.JTI, token.TraceID, token.MerchantID, token.OrderID, token.CustomerRef, token.ItemsHash, string(items),
		token.PolicySnapshotHash, token.Country, token.DeviceHash, token.AgentID, string(factors), token.RiskScore,
		token.ExpiresAt, t.d.Bool(token.Revoked), token.RevokedAt, token.CreatedAt)
	return err
}

func (t *Tx) RevokeToken(jti, revokedAt string) (bool, error) {
	res, err := t.exec(`UPDATE return_tokens SET revoked = ?, revoked_at = ? WHERE jti = ? AND revoked = ?`,
		t.d.Bool(true), revokedAt, jti, t.d.Bool(false))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (t *Tx) PutEvidence(evidence types.EvidenceRecord) error {
	_, err := t.exec(`INSERT INTO evidence(evidence_id, trace_id, decision_id, type, url, created_at) VALUES(?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		evidence.EvidenceID, evidence.TraceID, evidence.DecisionID, evidence.Type, evidence.URL, evidence.CreatedAt)
	return err
}

func (t *Tx) PutDecision(decision types.Decision) error {
	explanations, err := json.Marshal(nonNil(decision.Explanations))
	if err != nil {
		return err
	}
	_, err = t.exec(`INSERT INTO decisions(`+decisionColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		decision.DecisionID, decision.TraceID, decision.MerchantID, decision.ReturnTokenJTI, decision.InputSummaryHash,
		string(decision.Output.Decision), decision.Output.RiskScore, string(explanations), decision.CreatedAt)
	return err
}

func (t *Tx) PutDecisionBOM(bom types.DecisionBOM) error {
	tools, err := json.Marshal(nonNil(bom.ToolRefs))
	if err != nil {
		return err
	}
	var env *string
	if bom.EnvSnapshot != nil {
		raw, err := json.Marshal(bom.EnvSnapshot)
		if err != nil {
			return err
		}
		s := string(raw)
		env = &s
	}
	_, err = t.exec(`INSERT INTO decision_boms(decision_id, model_ref, prompt_ref, tool_refs_json, corpus_snapshot_ref, policy_snapshot_hash, code_version, env_snapshot_json)
VALUES(?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		bom.DecisionID, bom.ModelRef, bom.PromptRef, string(tools), bom.CorpusSnapshotRef, bom.PolicySnapshotHash, bom.CodeVersion, env)
	return err
}

func (t *Tx) PutReplay(replay types.ReplayArtifact) error {
	body, err := json.Marshal(replay)
	if err != nil {
		return err
	}
	_, err = t.exec(`INSERT INTO replays(replay_id, decision_id, body_json, bundle_url, created_at) VALUES(?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		replay.ReplayID, replay.DecisionID, string(body), replay.BundleURL, replay.CreatedAt)
	return err
}

func (t *Tx) PutReceipt(receipt ledger.ReceiptRecord) error {
	_, err := t.exec(`INSERT INTO commit_receipts(`+receiptColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		receipt.ReceiptID, receipt.JTI, receipt.DecisionID, receipt.MerchantID, string(receipt.RefundInstruction),
		receipt.BodyJSON, receipt.BodyDigest, receipt.KeyID, receipt.Sig, receipt.CreatedAt)
	return err
}

func (t *Tx) PutAuditEvent(event ledger.AuditEventRecord) error {
	_, err := t.exec(`INSERT INTO audit_events(event_id, kind, merchant_id, trace_id, ref, created_at) VALUES(?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		event.EventID, event.Kind, event.MerchantID, event.TraceID, event.Ref, event.CreatedAt)
	return err
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
