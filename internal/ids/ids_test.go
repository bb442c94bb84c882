package ids

import "testing"

func TestNewIsPrefixedAndUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := New(PrefixDecision)
		if !HasPrefix(id, PrefixDecision) {
			t.Fatalf("missing prefix: %s", id)
		}
		if len(id) != len("dec_")+32 {
			t.Fatalf("unexpected id length: %s", id)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id: %s", id)
		}
		seen[id] = struct{}{}
	}
}
