package ledger

import (
	"sync"

	"github.com/davidahmann/arcana/pkg/types"
)

type InMemoryStore struct {
	mu sync.Mutex

	keys      map[string]KeyRecord
	snapshots []types.PolicySnapshot
	tokens    map[string]types.ReturnToken
	evidence  []types.EvidenceRecord
	decisions []types.Decision
	boms      map[string]types.DecisionBOM
	replays   map[string]types.ReplayArtifact
	receipts  map[string]ReceiptRecord
	events    []AuditEventRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		keys:     make(map[string]KeyRecord),
		tokens:   make(map[string]types.ReturnToken),
		boms:     make(map[string]types.DecisionBOM),
		replays:  make(map[string]types.ReplayArtifact),
		receipts: make(map[string]ReceiptRecord),
	}
}

// WithTx runs fn under the store mutex. Writes are staged and applied only
// when fn returns nil.
func (s *InMemoryStore) WithTx(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{store: s, tokens: make(map[string]types.ReturnToken)}
	if err := fn(tx); err != nil {
		return err
	}
	for _, apply := range tx.writes {
		apply()
	}
	return nil
}

// memTx buffers writes until WithTx commits. Tokens are overlaid so a revoke
// sees a token put earlier in the same transaction.
type memTx struct {
	store  *InMemoryStore
	tokens map[string]types.ReturnToken
	writes []func()
}

func (t *memTx) stage(apply func()) {
	t.writes = append(t.writes, apply)
}

func (t *memTx) token(jti string) (types.ReturnToken, bool) {
	if token, ok := t.tokens[jti]; ok {
		return token, true
	}
	token, ok := t.store.tokens[jti]
	return token, ok
}

func (s *InMemoryStore) PutKey(key KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.KeyID]; !ok {
		s.keys[key.KeyID] = key
	}
	return nil
}

func (s *InMemoryStore) GetKey(keyID string) (KeyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	return key, ok, nil
}

func (s *InMemoryStore) PutPolicySnapshot(snapshot types.PolicySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.snapshots {
		if existing.SnapshotID == snapshot.SnapshotID {
			return nil
		}
		if existing.MerchantID == snapshot.MerchantID && existing.Hash == snapshot.Hash {
			return nil
		}
	}
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

func (s *InMemoryStore) GetPolicySnapshot(snapshotID string) (types.PolicySnapshot, bool, error) {
	return s.findSnapshot(func(p types.PolicySnapshot) bool { return p.SnapshotID == snapshotID }, false)
}

func (s *InMemoryStore) GetPolicySnapshotByHash(hash string) (types.PolicySnapshot, bool, error) {
	return s.findSnapshot(func(p types.PolicySnapshot) bool { return p.Hash == hash }, false)
}

func (s *InMemoryStore) LatestPolicySnapshot(policyID string) (types.PolicySnapshot, bool, error) {
	return s.findSnapshot(func(p types.PolicySnapshot) bool { return p.PolicyID == policyID }, true)
}

func (s *InMemoryStore) FindMerchantSnapshot(merchantID, hash string) (types.PolicySnapshot, bool, error) {
	return s.findSnapshot(func(p types.PolicySnapshot) bool {
		return p.MerchantID == merchantID && p.Hash == hash
	}, false)
}

func (s *InMemoryStore) LatestMerchantPolicy(merchantID string) (types.PolicySnapshot, bool, error) {
	return s.findSnapshot(func(p types.PolicySnapshot) bool { return p.MerchantID == merchantID }, true)
}

func (s *InMemoryStore) CountPolicySnapshots(policyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.snapshots {
		if p.PolicyID == policyID {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) findSnapshot(match func(types.PolicySnapshot) bool, newest bool) (types.PolicySnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newest {
		for i := len(s.snapshots) - 1; i >= 0; i-- {
			if match(s.snapshots[i]) {
				return s.snapshots[i], true, nil
			}
		}
		return types.PolicySnapshot{}, false, nil
	}
	for _, p := range s.snapshots {
		if match(p) {
			return p, true, nil
		}
	}
	return types.PolicySnapshot{}, false, nil
}

func (s *InMemoryStore) GetToken(jti string) (types.ReturnToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[jti]
	return token, ok, nil
}

func (s *InMemoryStore) DeviceSeen(merchantID, deviceHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range s.tokens {
		if token.MerchantID == merchantID && token.DeviceHash == deviceHash {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) ListEvidence(traceID string) ([]types.EvidenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.EvidenceRecord{}
	for _, ev := range s.evidence {
		if ev.TraceID == traceID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetDecision(decisionID string) (types.Decision, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.decisions {
		if d.DecisionID == decisionID {
			return d, true, nil
		}
	}
	return types.Decision{}, false, nil
}

func (s *InMemoryStore) GetDecisionBOM(decisionID string) (types.DecisionBOM, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bom, ok := s.boms[decisionID]
	return bom, ok, nil
}

func (s *InMemoryStore) LatestDecisionForToken(jti string) (types.Decision, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.decisions) - 1; i >= 0; i-- {
		if s.decisions[i].ReturnTokenJTI == jti {
			return s.decisions[i], true, nil
		}
	}
	return types.Decision{}, false, nil
}

func (s *InMemoryStore) ListDecisions(merchantID string, limit int) ([]types.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit = ClampLimit(limit)
	out := []types.Decision{}
	for i := len(s.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		if s.decisions[i].MerchantID == merchantID {
			out = append(out, s.decisions[i])
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetReplay(replayID string) (types.ReplayArtifact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	replay, ok := s.replays[replayID]
	return replay, ok, nil
}

func (s *InMemoryStore) GetReceipt(receiptID string) (ReceiptRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	receipt, ok := s.receipts[receiptID]
	return receipt, ok, nil
}

func (s *InMemoryStore) GetReceiptByToken(jti string) (ReceiptRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, receipt := range s.receipts {
		if receipt.JTI == jti {
			return receipt, true, nil
		}
	}
	return ReceiptRecord{}, false, nil
}

func (s *InMemoryStore) PutAuditEvent(event AuditEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *InMemoryStore) ListAuditEvents(traceID string) ([]AuditEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []AuditEventRecord{}
	for _, ev := range s.events {
		if ev.TraceID == traceID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (t *memTx) PutToken(token types.ReturnToken) error {
	if _, ok := t.token(token.JTI); ok {
		return nil
	}
	t.tokens[token.JTI] = token
	t.stage(func() {
		if _, ok := t.store.tokens[token.JTI]; !ok {
			t.store.tokens[token.JTI] = token
		}
	})
	return nil
}

func (t *memTx) RevokeToken(jti, revokedAt string) (bool, error) {
	token, ok := t.token(jti)
	if !ok || token.Revoked {
		return false, nil
	}
	token.Revoked = true
	token.RevokedAt = &revokedAt
	t.tokens[jti] = token
	t.stage(func() { t.store.tokens[jti] = token })
	return true, nil
}

func (t *memTx) PutEvidence(evidence types.EvidenceRecord) error {
	t.stage(func() {
		s := t.store
		for _, existing := range s.evidence {
			if existing.EvidenceID == evidence.EvidenceID {
				return
			}
		}
		s.evidence = append(s.evidence, evidence)
	})
	return nil
}

func (t *memTx) PutDecision(decision types.Decision) error {
	t.stage(func() {
		s := t.store
		for _, existing := range s.decisions {
			if existing.DecisionID == decision.DecisionID {
				return
			}
		}
		s.decisions = append(s.decisions, decision)
	})
	return nil
}

func (t *memTx) PutDecisionBOM(bom types.DecisionBOM) error {
	t.stage(func() {
		if _, ok := t.store.boms[bom.DecisionID]; !ok {
			t.store.boms[bom.DecisionID] = bom
		}
	})
	return nil
}

func (t *memTx) PutReplay(replay types.ReplayArtifact) error {
	t.stage(func() {
		if _, ok := t.store.replays[replay.ReplayID]; !ok {
			t.store.replays[replay.ReplayID] = replay
		}
	})
	return nil
}

func (t *memTx) PutReceipt(receipt ReceiptRecord) error {
	t.stage(func() {
		if _, ok := t.store.receipts[receipt.ReceiptID]; !ok {
			t.store.receipts[receipt.ReceiptID] = receipt
		}
	})
	return nil
}

func (t *memTx) PutAuditEvent(event AuditEventRecord) error {
	t.stage(func() { t.store.events = append(t.store.events, event) })
	return nil
}
