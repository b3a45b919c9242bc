package models

import (
	"encoding/json"
	"strings"
)

// Part groups. GOVDE panels are edge-banded bodies, ARKALIK panels are thin
// backings that never receive edge band.
const (
	GroupBody    = "GOVDE"
	GroupBacking = "ARKALIK"
)

// BackingThicknesses lists the millimetre thicknesses the cutting line
// accepts for ARKALIK panels.
var BackingThicknesses = map[int]bool{3: true, 4: true, 5: true, 8: true}

// EdgeFlag carries one edge-band request. Upstream systems send either a bare
// boolean or one of the material codes "040", "1mm", "2mm".
type EdgeFlag struct {
	Set  bool
	Code string
}

// UnmarshalJSON accepts bool, string, or null.
func (e *EdgeFlag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		e.Set = b
		e.Code = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	e.Set = s != ""
	e.Code = s
	return nil
}

// MarshalJSON writes the code when present, otherwise the boolean.
func (e EdgeFlag) MarshalJSON() ([]byte, error) {
	if e.Code != "" {
		return json.Marshal(e.Code)
	}
	return json.Marshal(e.Set)
}

// Part is one panel row of an order.
type Part struct {
	Group       string   `json:"group"`
	LengthMM    float64  `json:"length_mm"`
	WidthMM     float64  `json:"width_mm"`
	Quantity    int      `json:"quantity"`
	Grain       string   `json:"grain"`
	U1          EdgeFlag `json:"u1"`
	U2          EdgeFlag `json:"u2"`
	K1          EdgeFlag `json:"k1"`
	K2          EdgeFlag `json:"k2"`
	Description string   `json:"description,omitempty"`
	Drill1      string   `json:"drill1,omitempty"`
	Drill2      string   `json:"drill2,omitempty"`
}

// GrainDigit extracts the 0-3 grain direction from a grain code by taking the
// leading digit. Anything else maps to 0 (material default).
func (p Part) GrainDigit() int {
	s := strings.TrimSpace(p.Grain)
	if s == "" {
		return 0
	}
	d := s[0]
	if d >= '0' && d <= '3' {
		return int(d - '0')
	}
	return 0
}

// Order is the read-only snapshot of the source order a job is created from.
// The snapshot is frozen into the job payload at creation time.
type Order struct {
	OrderID            string  `json:"order_id"`
	CustomerRef        string  `json:"customer_ref,omitempty"`
	CustomerName       string  `json:"customer_name"`
	CustomerPhone      string  `json:"customer_phone"`
	PlateWidthMM       float64 `json:"plate_w_mm"`
	PlateHeightMM      float64 `json:"plate_h_mm"`
	BodyThicknessMM    int     `json:"body_thickness_mm"`
	BackingThicknessMM int     `json:"backing_thickness_mm"`
	Material           string  `json:"material"`
	DefaultGrain       string  `json:"default_grain,omitempty"`
	Parts              []Part  `json:"parts"`
}

// ThicknessFor returns the order-level thickness that applies to a part group.
func (o Order) ThicknessFor(group string) int {
	if group == GroupBacking {
		return o.BackingThicknessMM
	}
	return o.BodyThicknessMM
}

// Thicknesses returns the distinct thicknesses used by the order's parts,
// smallest first not guaranteed; callers treat it as a set.
func (o Order) Thicknesses() []int {
	seen := map[int]bool{}
	var out []int
	for _, p := range o.Parts {
		t := o.ThicknessFor(p.Group)
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
