package decision

import (
	"sort"

	"github.com/davidahmann/arcana/internal/crypto"
	"github.com/davidahmann/arcana/pkg/types"
)

// ItemsHash content-addresses the returned items. Only sku, qty and
// price_cents participate and item order does not matter.
func ItemsHash(items []types.ReturnItem) (string, error) {
	sorted := append([]types.ReturnItem(nil), items...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.SKU != b.SKU {
			return a.SKU < b.SKU
		}
		if a.Qty != b.Qty {
			return a.Qty < b.Qty
		}
		return a.PriceCents < b.PriceCents
	})

	view := make([]any, 0, len(sorted))
	for _, item := range sorted {
		view = append(view, map[string]any{
			"sku":         item.SKU,
			"qty":         item.Qty,
			"price_cents": item.PriceCents,
		})
	}
	return crypto.CanonicalDigest(view)
}

// InputSummaryHash content-addresses what an authorization saw: the verified
// token claims and the evidence supplied with the request.
func InputSummaryHash(claims any, evidence []types.Evidence) (string, error) {
	evidenceView := make([]any, 0, len(evidence))
	for _, ev := range evidence {
		evidenceView = append(evidenceView, map[string]any{
			"type": ev.Type,
			"url":  ev.URL,
		})
	}
	return crypto.CanonicalDigest(map[string]any{
		"claims":   claims,
		"evidence": evidenceView,
	})
}
