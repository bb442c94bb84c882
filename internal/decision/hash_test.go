package decision

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/davidahmann/arcana/pkg/types"
)

func TestItemsHashOrderInvariant(t *testing.T) {
	a := []types.ReturnItem{
		{SKU: "B", Qty: 1, PriceCents: 200, Name: "bolt"},
		{SKU: "A", Qty: 2, PriceCents: 100},
	}
	b := []types.ReturnItem{
		{SKU: "A", Qty: 2, PriceCents: 100, ItemClass: "hardware"},
		{SKU: "B", Qty: 1, PriceCents: 200},
	}
	ha, err := ItemsHash(a)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hb, err := ItemsHash(b)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if ha != hb {
		t.Fatalf("hash depends on order or descriptive fields: %s vs %s", ha, hb)
	}

	c := []types.ReturnItem{{SKU: "A", Qty: 3, PriceCents: 100}, {SKU: "B", Qty: 1, PriceCents: 200}}
	hc, err := ItemsHash(c)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hc == ha {
		t.Fatalf("hash ignores qty")
	}
}

func TestItemsHashPermutationProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("reversed items hash the same", prop.ForAll(
		func(skus []string, qty int) bool {
			items := make([]types.ReturnItem, 0, len(skus))
			for i, sku := range skus {
				items = append(items, types.ReturnItem{SKU: sku, Qty: qty + i%3, PriceCents: int64(100 * (i % 5))})
			}
			reversed := make([]types.ReturnItem, len(items))
			for i := range items {
				reversed[len(items)-1-i] = items[i]
			}
			h1, err1 := ItemsHash(items)
			h2, err2 := ItemsHash(reversed)
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

func TestInputSummaryHashChangesWithEvidence(t *testing.T) {
	claims := map[string]any{"jti": "rt_1", "order_id": "o1"}
	h1, err := InputSummaryHash(claims, nil)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := InputSummaryHash(claims, []types.Evidence{{Type: "photo_item", URL: "https://x/1.jpg"}})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("evidence should change the input hash")
	}
}
