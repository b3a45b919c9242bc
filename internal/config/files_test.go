package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPricingMissingFileUsesDefaults(t *testing.T) {
	p, err := LoadPricing(filepath.Join(t.TempDir(), "pricing.json"))
	if err != nil {
		t.Fatalf("missing pricing file must not error: %v", err)
	}
	if p.DefaultPlateUnitPrice != 1500 || p.DefaultBandMetrePrice != 12 || p.VATRate != 20 {
		t.Fatalf("unexpected default pricing: %+v", p)
	}
}

func TestLoadPricingPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.json")
	if err := os.WriteFile(path, []byte(`{"default_plate_unit_price": 1750}`), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPricing(path)
	if err != nil {
		t.Fatalf("load pricing: %v", err)
	}
	if p.DefaultPlateUnitPrice != 1750 {
		t.Errorf("plate price = %v, want 1750", p.DefaultPlateUnitPrice)
	}
	if p.VATRate != 20 {
		t.Errorf("unset vat rate must keep the default, got %v", p.VATRate)
	}
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	body := `{
		"defaultPlateSize": {"width_mm": 2100, "height_mm": 2800},
		"trimByThickness": {"18": 10, "8": 5}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := LoadRules(path)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if !r.HasDefaultPlate() {
		t.Fatalf("default plate must be set")
	}
	if trim, ok := r.TrimFor(18); !ok || trim != 10 {
		t.Errorf("TrimFor(18) = %v/%v, want 10", trim, ok)
	}
	if _, ok := r.TrimFor(25); ok {
		t.Errorf("unconfigured thickness must have no trim rule")
	}
}

func TestLoadRulesMissingFileUsesDefaults(t *testing.T) {
	r, err := LoadRules(filepath.Join(t.TempDir(), "rules.json"))
	if err != nil {
		t.Fatalf("missing rules file must not error: %v", err)
	}
	if r.HasDefaultPlate() {
		t.Fatalf("defaults carry no plate size")
	}
	for _, thickness := range []int{18, 3, 4, 5, 8} {
		if _, ok := r.TrimFor(thickness); !ok {
			t.Errorf("default trim for %d mm missing", thickness)
		}
	}
}

func TestLoadRulesRejectsBadThicknessKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	if err := os.WriteFile(path, []byte(`{"trimByThickness": {"thick": 10}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRules(path); err == nil {
		t.Fatalf("non-numeric thickness keys must be rejected")
	}
}
