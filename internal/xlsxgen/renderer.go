// Package xlsxgen renders optimizer import files from the frozen ŞABLON
// template.
package xlsxgen

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"optiplan-pipeline/internal/models"
)

// TemplateSheet is the sheet the optimizer reads.
const TemplateSheet = "ŞABLON"

// CanonicalTags is the frozen first-row tag list. The spelling, including
// P_EGDE_MAT_LO, is part of the external contract and must never change.
var CanonicalTags = []string{
	"[P_CODE_MAT]",
	"[P_LENGTH]",
	"[P_WIDTH]",
	"[P_MINQ]",
	"[P_GRAIN]",
	"[P_IDESC]",
	"[P_EDGE_MAT_UP]",
	"[P_EGDE_MAT_LO]",
	"[P_EDGE_MAT_SX]",
	"[P_EDGE_MAT_DX]",
	"[P_IIDESC]",
	"[P_DESC1]",
}

// edgeCodes maps the upstream edge-band codes to the material cell values the
// optimizer expects.
var edgeCodes = map[string]string{
	"":    "",
	"040": "0.4",
	"1mm": "1.0",
	"2mm": "2.0",
}

// Renderer builds one import XLSX per part group from the template.
type Renderer struct {
	TemplatePath string
	Trims        map[int]float64

	now func() time.Time
}

// New constructs a renderer over the template at path with the per-thickness
// trim rules.
func New(templatePath string, trims map[int]float64) *Renderer {
	return &Renderer{
		TemplatePath: templatePath,
		Trims:        trims,
		now:          func() time.Time { return time.Now() },
	}
}

// RenderedFile describes one produced import file.
type RenderedFile struct {
	Path  string
	Group string
}

// Render produces one XLSX per (group, thickness, colour) bundle of the
// order's parts under outDir. Template problems return E_TEMPLATE_INVALID,
// missing trim rules E_TRIM_RULE_MISSING, an order without parts in a known
// group E_NO_PARTS; all are permanent.
func (r *Renderer) Render(order models.Order, outDir string) ([]RenderedFile, error) {
	if err := r.ValidateTemplate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create import dir: %w", err)
	}

	var out []RenderedFile
	for _, group := range []string{models.GroupBody, models.GroupBacking} {
		var parts []models.Part
		for _, p := range order.Parts {
			if p.Group == group {
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			continue
		}
		path, err := r.renderGroup(order, group, parts, outDir)
		if err != nil {
			return nil, err
		}
		out = append(out, RenderedFile{Path: path, Group: group})
	}
	if len(out) == 0 {
		return nil, models.NewError(models.ErrNoParts, "no %s or %s parts to render",
			models.GroupBody, models.GroupBacking)
	}
	return out, nil
}

// ValidateTemplate checks the sheet and the positional first-row tags.
func (r *Renderer) ValidateTemplate() error {
	f, err := excelize.OpenFile(r.TemplatePath)
	if err != nil {
		return models.NewError(models.ErrTemplateInvalid, "open template: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(TemplateSheet)
	if err != nil {
		return models.NewError(models.ErrTemplateInvalid, "sheet %s missing: %v", TemplateSheet, err)
	}
	if len(rows) == 0 || len(rows[0]) < len(CanonicalTags) {
		return models.NewError(models.ErrTemplateInvalid, "template first row has %d tags, want %d", len(firstRow(rows)), len(CanonicalTags))
	}
	for i, want := range CanonicalTags {
		if got := strings.TrimSpace(rows[0][i]); got != want {
			return models.NewError(models.ErrTemplateInvalid, "template tag %d is %q, want %q", i+1, got, want)
		}
	}
	return nil
}

func (r *Renderer) renderGroup(order models.Order, group string, parts []models.Part, outDir string) (string, error) {
	thickness := order.ThicknessFor(group)
	trim, ok := r.Trims[thickness]
	if !ok {
		return "", models.NewError(models.ErrTrimRuleMissing, "no trim rule for %d mm", thickness)
	}

	f, err := excelize.OpenFile(r.TemplatePath)
	if err != nil {
		return "", models.NewError(models.ErrTemplateInvalid, "open template: %v", err)
	}
	defer f.Close()

	// Drop any sample rows the template carries from row 3 downward.
	rows, err := f.GetRows(TemplateSheet)
	if err != nil {
		return "", models.NewError(models.ErrTemplateInvalid, "read template rows: %v", err)
	}
	for i := len(rows); i >= 3; i-- {
		if err := f.RemoveRow(TemplateSheet, i); err != nil {
			return "", fmt.Errorf("clear template row %d: %w", i, err)
		}
	}

	materialCode := fmt.Sprintf("%s %dmm", order.Material, thickness)
	for i, p := range parts {
		row := 3 + i
		values := []any{
			materialCode,
			p.LengthMM,
			p.WidthMM,
			p.Quantity,
			p.GrainDigit(),
			trim,
			edgeCell(group, p.U1),
			edgeCell(group, p.U2),
			edgeCell(group, p.K1),
			edgeCell(group, p.K2),
			p.Description,
			drillDesc(p),
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return "", fmt.Errorf("cell name: %w", err)
			}
			if err := f.SetCellValue(TemplateSheet, cell, v); err != nil {
				return "", fmt.Errorf("set cell %s: %w", cell, err)
			}
		}
	}

	final := filepath.Join(outDir, r.fileName(order, group, thickness))
	tmp := final + ".tmp.xlsx"
	if err := f.SaveAs(tmp); err != nil {
		return "", fmt.Errorf("save xlsx: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("finalize xlsx: %w", err)
	}
	return final, nil
}

// fileName builds {customer}_{timestamp}_{thickness}mm{colour}_{group}.xlsx.
// Dots are replaced because the optimizer treats them as extension separators.
func (r *Renderer) fileName(order models.Order, group string, thickness int) string {
	return fmt.Sprintf("%s_%s_%dmm%s_%s.xlsx",
		slug(order.CustomerName),
		r.now().Format("20060102150405"),
		thickness,
		slug(order.Material),
		group)
}

// edgeCell resolves one edge cell. ARKALIK panels never receive edge band.
func edgeCell(group string, e models.EdgeFlag) string {
	if group == models.GroupBacking {
		return ""
	}
	if code, ok := edgeCodes[e.Code]; ok {
		if code == "" && e.Set {
			return "1"
		}
		return code
	}
	if e.Set || e.Code != "" {
		return "1"
	}
	return ""
}

func drillDesc(p models.Part) string {
	switch {
	case p.Drill1 != "" && p.Drill2 != "":
		return p.Drill1 + " " + p.Drill2
	case p.Drill1 != "":
		return p.Drill1
	default:
		return p.Drill2
	}
}

func slug(s string) string {
	s = strings.TrimSpace(s)
	replacer := strings.NewReplacer(".", "_", " ", "_", "/", "_", "\\", "_")
	return replacer.Replace(s)
}

func firstRow(rows [][]string) []string {
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}
