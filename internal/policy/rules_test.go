package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/davidahmann/arcana/pkg/types"
)

func TestContentHashIgnoresNilVersusEmpty(t *testing.T) {
	a := types.PolicyFields{ReturnWindowDays: 30}
	b := Normalize(types.PolicyFields{ReturnWindowDays: 30})

	ha, err := ContentHash(a)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hb, err := ContentHash(b)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected equal hashes, got %s and %s", ha, hb)
	}

	b.ReturnWindowDays = 31
	hc, _ := ContentHash(b)
	if hc == ha {
		t.Fatalf("expected hash to change with window")
	}
}

func TestEffectiveWindowDays(t *testing.T) {
	f := Defaults()
	f.GeoRules = []types.GeoRule{{Country: "CA", WindowDays: 14}}
	f.ItemClasses = []types.ItemClassRule{
		{Class: "electronics", WindowDays: 15},
		{Class: "apparel", WindowDays: 60},
	}

	cases := []struct {
		name    string
		items   []types.ReturnItem
		country string
		want    int
	}{
		{"base", []types.ReturnItem{{SKU: "A"}}, "", 30},
		{"geo case insensitive", []types.ReturnItem{{SKU: "A"}}, "ca", 14},
		{"unknown country", []types.ReturnItem{{SKU: "A"}}, "DE", 30},
		{"tightest class", []types.ReturnItem{{SKU: "A", ItemClass: "apparel"}, {SKU: "B", ItemClass: "electronics"}}, "", 15},
		{"class over geo", []types.ReturnItem{{SKU: "A", ItemClass: "apparel"}}, "CA", 60},
	}
	for _, tc := range cases {
		if got := EffectiveWindowDays(f, tc.items, tc.country); got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestExcluded(t *testing.T) {
	f := Defaults()
	f.Exclusions = []string{"final_sale", "SKU-9"}

	items := []types.ReturnItem{
		{SKU: "SKU-1", ItemClass: "final_sale"},
		{SKU: "SKU-9"},
		{SKU: "SKU-2", ItemClass: "final_sale"},
		{SKU: "SKU-3", ItemClass: "apparel"},
	}
	got := Excluded(f, items)
	if len(got) != 2 || got[0] != "final_sale" || got[1] != "SKU-9" {
		t.Fatalf("unexpected exclusions: %v", got)
	}
	if out := Excluded(f, []types.ReturnItem{{SKU: "ok"}}); len(out) != 0 {
		t.Fatalf("expected none, got %v", out)
	}
}

func TestChannelAllowed(t *testing.T) {
	f := Defaults()
	if !ChannelAllowed(f, types.ChannelMailIn) || ChannelAllowed(f, types.ChannelInStore) {
		t.Fatalf("unexpected channel result")
	}
}

func TestKeywordExtractorDefaults(t *testing.T) {
	fields, confidence := KeywordExtractor{}.Extract("no useful words here")
	if fields.ReturnWindowDays != DefaultReturnWindowDays {
		t.Fatalf("expected default window, got %d", fields.ReturnWindowDays)
	}
	if confidence != 0.2 {
		t.Fatalf("expected base confidence, got %v", confidence)
	}
}

func TestDiffFieldsNoChange(t *testing.T) {
	changes, err := DiffFields(Defaults(), Defaults())
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes, got %+v", changes)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "policy.yaml")
	doc := "return_window_days: 21\nrestock_fee_pct: 10\nallowed_channels: [mail_in]\ngeo_rules:\n  - country: CA\n    window_days: 14\n"
	if err := os.WriteFile(yamlPath, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := LoadFile(yamlPath)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if loaded.Fields == nil || loaded.Fields.ReturnWindowDays != 21 || loaded.Fields.GeoRules[0].Country != "CA" {
		t.Fatalf("unexpected yaml fields: %+v", loaded.Fields)
	}
	if loaded.Fields.Exclusions == nil {
		t.Fatalf("expected normalized lists")
	}

	pdfPath := filepath.Join(dir, "policy.pdf")
	if err := os.WriteFile(pdfPath, []byte("%PDF-1.4"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err = LoadFile(pdfPath)
	if err != nil {
		t.Fatalf("load pdf: %v", err)
	}
	if loaded.SourceType != types.PolicySourcePDF || loaded.Content != "JVBERi0xLjQ=" {
		t.Fatalf("unexpected pdf load: %+v", loaded)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.txt")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
