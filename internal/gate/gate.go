// Package gate runs the ordered business-rule checks between job creation and
// OPTI_IMPORTED.
package gate

import (
	"context"

	"optiplan-pipeline/internal/config"
	"optiplan-pipeline/internal/crm"
	"optiplan-pipeline/internal/models"
)

// Gate validates orders before they enter the optimization pipeline.
type Gate struct {
	dir   crm.Directory
	rules config.Rules
}

func New(dir crm.Directory, rules config.Rules) *Gate {
	return &Gate{dir: dir, rules: rules}
}

// Validate runs the five checks in order, first failure wins. A failure sends
// the job to HOLD; nil means the job may enter OPTI_IMPORTED. The order is
// mutated in place when the configured default plate fills a missing size.
func (g *Gate) Validate(ctx context.Context, order *models.Order) *models.PipelineError {
	// 1. CRM match, by foreign key or normalized phone.
	_, ok, err := crm.Resolve(ctx, g.dir, *order)
	if err != nil {
		return models.NewError(models.ErrLocalProcessing, "crm lookup: %v", err)
	}
	if !ok {
		return models.NewError(models.ErrCRMNoMatch, "no CRM account for customer %q / phone %q",
			order.CustomerRef, models.NormalizePhone(order.CustomerPhone))
	}

	// 2. Plate size, with configured default as fallback.
	if order.PlateWidthMM <= 0 || order.PlateHeightMM <= 0 {
		if !g.rules.HasDefaultPlate() {
			return models.NewError(models.ErrPlateSizeMissing, "order has no plate size and no default plate is configured")
		}
		order.PlateWidthMM = g.rules.DefaultPlate.WidthMM
		order.PlateHeightMM = g.rules.DefaultPlate.HeightMM
	}

	// 3. Parts presence. Parts in an unknown group would never reach a cut
	// file, so they are rejected here rather than silently dropped.
	if len(order.Parts) == 0 {
		return models.NewError(models.ErrNoParts, "order has no parts")
	}
	for i, p := range order.Parts {
		if p.Group != models.GroupBody && p.Group != models.GroupBacking {
			return models.NewError(models.ErrNoParts, "part %d has unknown group %q, want %s or %s",
				i+1, p.Group, models.GroupBody, models.GroupBacking)
		}
	}

	// 4. Backing thickness.
	for _, p := range order.Parts {
		if p.Group != models.GroupBacking {
			continue
		}
		t := order.ThicknessFor(p.Group)
		if !models.BackingThicknesses[t] {
			return models.NewError(models.ErrBackingThicknessUnknown, "backing thickness %d mm is not cuttable", t)
		}
	}

	// 5. Trim rule per distinct thickness.
	for _, t := range order.Thicknesses() {
		if _, ok := g.rules.TrimFor(t); !ok {
			return models.NewError(models.ErrTrimRuleMissing, "no trim rule for %d mm", t)
		}
	}

	return nil
}
