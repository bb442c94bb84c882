package ledger

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/davidahmann/arcana/pkg/types"
)

func TestInMemoryStore_Snapshots(t *testing.T) {
	s := NewInMemoryStore()

	first := types.PolicySnapshot{PolicyID: "plc_1", SnapshotID: "plc_1_v1", Hash: "sha256:a", MerchantID: "m1"}
	second := types.PolicySnapshot{PolicyID: "plc_1", SnapshotID: "plc_1_v2", Hash: "sha256:b", MerchantID: "m1"}
	for _, snap := range []types.PolicySnapshot{first, second} {
		if err := s.PutPolicySnapshot(snap); err != nil {
			t.Fatalf("put snapshot: %v", err)
		}
	}
	// duplicate merchant+hash is ignored
	if err := s.PutPolicySnapshot(types.PolicySnapshot{PolicyID: "plc_1", SnapshotID: "plc_1_v3", Hash: "sha256:a", MerchantID: "m1"}); err != nil {
		t.Fatalf("put dup: %v", err)
	}

	if got, ok, _ := s.LatestPolicySnapshot("plc_1"); !ok || got.SnapshotID != "plc_1_v2" {
		t.Fatalf("latest mismatch: ok=%v got=%+v", ok, got)
	}
	if got, ok, _ := s.GetPolicySnapshotByHash("sha256:a"); !ok || got.SnapshotID != "plc_1_v1" {
		t.Fatalf("by hash mismatch: ok=%v got=%+v", ok, got)
	}
	if got, ok, _ := s.FindMerchantSnapshot("m1", "sha256:b"); !ok || got.SnapshotID != "plc_1_v2" {
		t.Fatalf("merchant snapshot mismatch: ok=%v got=%+v", ok, got)
	}
	if _, ok, _ := s.FindMerchantSnapshot("m2", "sha256:b"); ok {
		t.Fatalf("expected no snapshot for other merchant")
	}
	if n, err := s.CountPolicySnapshots("plc_1"); err != nil || n != 2 {
		t.Fatalf("count mismatch: n=%d err=%v", n, err)
	}
}

func TestInMemoryStore_DecisionsNewestFirst(t *testing.T) {
	s := NewInMemoryStore()
	err := s.WithTx(func(tx Tx) error {
		for _, id := range []string{"d1", "d2", "d3"} {
			if err := tx.PutDecision(types.Decision{DecisionID: id, MerchantID: "m1", ReturnTokenJTI: "rt_1"}); err != nil {
				return err
			}
			if err := tx.PutDecisionBOM(types.DecisionBOM{DecisionID: id}); err != nil {
				return err
			}
		}
		return tx.PutDecision(types.Decision{DecisionID: "other", MerchantID: "m2"})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	list, err := s.ListDecisions("m1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].DecisionID != "d3" || list[1].DecisionID != "d2" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if got, ok, _ := s.LatestDecisionForToken("rt_1"); !ok || got.DecisionID != "d3" {
		t.Fatalf("latest for token mismatch: ok=%v got=%+v", ok, got)
	}
	if _, ok, _ := s.GetDecisionBOM("d2"); !ok {
		t.Fatalf("expected bom")
	}
}

func TestInMemoryStore_RevokeExactlyOnce(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.WithTx(func(tx Tx) error {
		return tx.PutToken(types.ReturnToken{JTI: "rt_1", MerchantID: "m1", DeviceHash: "dev"})
	}); err != nil {
		t.Fatalf("put token: %v", err)
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithTx(func(tx Tx) error {
				ok, err := tx.RevokeToken("rt_1", "2026-01-01T00:00:00Z")
				if ok {
					atomic.AddInt32(&wins, 1)
				}
				return err
			})
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one revoke, got %d", wins)
	}
	token, _, _ := s.GetToken("rt_1")
	if !token.Revoked || token.RevokedAt == nil {
		t.Fatalf("token not revoked: %+v", token)
	}
	if seen, _ := s.DeviceSeen("m1", "dev"); !seen {
		t.Fatalf("expected device seen")
	}
	if seen, _ := s.DeviceSeen("m2", "dev"); seen {
		t.Fatalf("device should be scoped to merchant")
	}
}

func TestInMemoryStore_FailedTxDiscardsWrites(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.WithTx(func(tx Tx) error {
		return tx.PutToken(types.ReturnToken{JTI: "rt_1", MerchantID: "m1"})
	}); err != nil {
		t.Fatalf("put token: %v", err)
	}

	boom := errors.New("boom")
	err := s.WithTx(func(tx Tx) error {
		if ok, err := tx.RevokeToken("rt_1", "2026-01-01T00:00:00Z"); err != nil || !ok {
			t.Fatalf("revoke in tx: ok=%v err=%v", ok, err)
		}
		if ok, _ := tx.RevokeToken("rt_1", "2026-01-01T00:00:00Z"); ok {
			t.Fatalf("second revoke in the same tx should see the first")
		}
		_ = tx.PutDecision(types.Decision{DecisionID: "d1", MerchantID: "m1", ReturnTokenJTI: "rt_1"})
		_ = tx.PutReceipt(ReceiptRecord{ReceiptID: "rcpt_1", JTI: "rt_1"})
		_ = tx.PutAuditEvent(AuditEventRecord{EventID: "a1", TraceID: "t1", Kind: EventCommitted})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	token, _, _ := s.GetToken("rt_1")
	if token.Revoked {
		t.Fatalf("revoke leaked from failed tx: %+v", token)
	}
	if _, ok, _ := s.GetDecision("d1"); ok {
		t.Fatalf("decision leaked from failed tx")
	}
	if _, ok, _ := s.GetReceiptByToken("rt_1"); ok {
		t.Fatalf("receipt leaked from failed tx")
	}
	if events, _ := s.ListAuditEvents("t1"); len(events) != 0 {
		t.Fatalf("events leaked from failed tx: %+v", events)
	}
}

func TestInMemoryStore_EvidenceAndEvents(t *testing.T) {
	s := NewInMemoryStore()
	_ = s.WithTx(func(tx Tx) error {
		_ = tx.PutEvidence(types.EvidenceRecord{EvidenceID: "e1", TraceID: "t1", Type: "photo_item"})
		_ = tx.PutEvidence(types.EvidenceRecord{EvidenceID: "e2", TraceID: "t1", Type: "photo_packaging"})
		_ = tx.PutEvidence(types.EvidenceRecord{EvidenceID: "e1", TraceID: "t1", Type: "dup"})
		return nil
	})
	got, err := s.ListEvidence("t1")
	if err != nil || len(got) != 2 || got[0].EvidenceID != "e1" {
		t.Fatalf("unexpected evidence: %+v err=%v", got, err)
	}

	if err := s.PutAuditEvent(AuditEventRecord{EventID: "a1", TraceID: "t1", Kind: EventAuthorized}); err != nil {
		t.Fatalf("put event: %v", err)
	}
	events, _ := s.ListAuditEvents("t1")
	if len(events) != 1 || events[0].Kind != EventAuthorized {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestClampLimit(t *testing.T) {
	if ClampLimit(0) != 50 || ClampLimit(-1) != 50 || ClampLimit(10) != 10 || ClampLimit(10_000) != 500 {
		t.Fatalf("clamp limit mismatch")
	}
}
