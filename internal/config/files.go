package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Pricing carries the factory-wide default unit prices and VAT rate used when
// a CRM account has no overrides. Loaded from pricing.json.
type Pricing struct {
	DefaultPlateUnitPrice float64 `json:"default_plate_unit_price"`
	DefaultBandMetrePrice float64 `json:"default_band_metre_price"`
	VATRate               float64 `json:"vat_rate"`
}

// DefaultPricing is used when pricing.json is absent.
func DefaultPricing() Pricing {
	return Pricing{
		DefaultPlateUnitPrice: 1500,
		DefaultBandMetrePrice: 12,
		VATRate:               20,
	}
}

// LoadPricing reads pricing.json, falling back to defaults when the file does
// not exist.
func LoadPricing(path string) (Pricing, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultPricing(), nil
	}
	if err != nil {
		return Pricing{}, fmt.Errorf("read pricing file: %w", err)
	}
	p := DefaultPricing()
	if err := json.Unmarshal(data, &p); err != nil {
		return Pricing{}, fmt.Errorf("parse pricing file: %w", err)
	}
	return p, nil
}

// PlateSize is the fallback plate applied when an order carries none.
type PlateSize struct {
	WidthMM  float64 `json:"width_mm"`
	HeightMM float64 `json:"height_mm"`
}

// Rules carries business rules loaded from rules.json: the default plate and
// the per-thickness trim margins written into the optimizer template.
type Rules struct {
	DefaultPlate PlateSize
	TrimByThickness map[int]float64
}

// DefaultRules matches the factory's standing configuration: 10 mm trim for
// 18 mm body panels, 5 mm for the thin backing thicknesses, no default plate.
func DefaultRules() Rules {
	return Rules{
		TrimByThickness: map[int]float64{18: 10.0, 3: 5.0, 4: 5.0, 5: 5.0, 8: 5.0},
	}
}

type rulesFile struct {
	DefaultPlateSize *PlateSize         `json:"defaultPlateSize"`
	TrimByThickness  map[string]float64 `json:"trimByThickness"`
}

// LoadRules reads rules.json, falling back to defaults when the file does not
// exist. Trim thicknesses are JSON object keys and therefore strings on disk.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultRules(), nil
	}
	if err != nil {
		return Rules{}, fmt.Errorf("read rules file: %w", err)
	}
	var raw rulesFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return Rules{}, fmt.Errorf("parse rules file: %w", err)
	}
	rules := DefaultRules()
	if raw.DefaultPlateSize != nil {
		rules.DefaultPlate = *raw.DefaultPlateSize
	}
	if len(raw.TrimByThickness) > 0 {
		trims := make(map[int]float64, len(raw.TrimByThickness))
		for k, v := range raw.TrimByThickness {
			t, err := strconv.Atoi(k)
			if err != nil {
				return Rules{}, fmt.Errorf("parse trim thickness %q: %w", k, err)
			}
			trims[t] = v
		}
		rules.TrimByThickness = trims
	}
	return rules, nil
}

// TrimFor returns the trim margin for a thickness; ok is false when the
// thickness has no rule.
func (r Rules) TrimFor(thickness int) (float64, bool) {
	v, ok := r.TrimByThickness[thickness]
	return v, ok
}

// HasDefaultPlate reports whether a usable default plate is configured.
func (r Rules) HasDefaultPlate() bool {
	return r.DefaultPlate.WidthMM > 0 && r.DefaultPlate.HeightMM > 0
}
