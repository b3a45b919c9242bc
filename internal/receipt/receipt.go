// Package receipt prices finished optimizations into production receipts.
package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"optiplan-pipeline/internal/config"
	"optiplan-pipeline/internal/crm"
	"optiplan-pipeline/internal/models"
	"optiplan-pipeline/internal/store"
	"optiplan-pipeline/internal/tracking"
)

// Service computes and persists one PRODUCTION receipt per order.
type Service struct {
	store   store.Store
	pricing config.Pricing
	tracker *tracking.Service
	log     *slog.Logger
}

func New(st store.Store, pricing config.Pricing, tracker *tracking.Service, log *slog.Logger) *Service {
	return &Service{store: st, pricing: pricing, tracker: tracker, log: log}
}

// CreateProduction prices the job and persists the receipt. A second call for
// the same order returns the existing receipt unchanged.
func (s *Service) CreateProduction(ctx context.Context, job models.Job) (models.Receipt, error) {
	if existing, found, err := s.store.ReceiptByOrder(ctx, job.OrderID, models.ReceiptTypeProduction); err != nil {
		return models.Receipt{}, err
	} else if found {
		return existing, nil
	}
	if job.Solution == nil {
		return models.Receipt{}, fmt.Errorf("job %s has no solution summary yet", job.ID)
	}

	plateCount := PlateCount(job.Solution.MQBoards, job.Order.PlateWidthMM, job.Order.PlateHeightMM)
	bandMetres := BandMetres(job.Order.Parts)

	platePrice := s.pricing.DefaultPlateUnitPrice
	bandPrice := s.pricing.DefaultBandMetrePrice
	account, ok, err := crm.Resolve(ctx, s.store, job.Order)
	if err != nil {
		return models.Receipt{}, fmt.Errorf("resolve account for pricing: %w", err)
	}
	if ok {
		if account.PlateUnitPrice != nil {
			platePrice = *account.PlateUnitPrice
		}
		if account.BandMetrePrice != nil {
			bandPrice = *account.BandMetrePrice
		}
	}

	subtotal := float64(plateCount)*platePrice + bandMetres*bandPrice
	vatAmount := subtotal * s.pricing.VATRate / 100

	r := models.Receipt{
		ID:             uuid.New().String(),
		OrderID:        job.OrderID,
		Type:           models.ReceiptTypeProduction,
		InvoiceNumber:  "PRD-" + job.OrderID,
		PlateCount:     plateCount,
		BandMetres:     bandMetres,
		PlateUnitPrice: platePrice,
		BandMetrePrice: bandPrice,
		Subtotal:       subtotal,
		VATRate:        s.pricing.VATRate,
		VATAmount:      vatAmount,
		GrandTotal:     subtotal + vatAmount,
	}
	r.Note = note(r, job)

	saved, created, err := s.store.SaveReceipt(ctx, r)
	if err != nil {
		return models.Receipt{}, err
	}
	if created && s.tracker != nil {
		s.tracker.DumpReceipt(job.OrderID, saved.Note)
	}
	if created {
		s.log.Info("production receipt created",
			"order_id", job.OrderID, "invoice", saved.InvoiceNumber,
			"plates", saved.PlateCount, "band_m", saved.BandMetres, "total", saved.GrandTotal)
	}
	return saved, nil
}

// PlateCount derives the number of plates from the optimizer's board area.
// With a usable plate size: ceil(mqBoards / plate area in m²), at least 1.
// Without one: floor(mqBoards), at least 1.
func PlateCount(mqBoards, plateWidthMM, plateHeightMM float64) int {
	if plateWidthMM <= 0 || plateHeightMM <= 0 {
		n := int(math.Floor(mqBoards))
		if n < 1 {
			return 1
		}
		return n
	}
	area := plateWidthMM * plateHeightMM / 1_000_000
	n := int(math.Ceil(mqBoards / area))
	if n < 1 {
		return 1
	}
	return n
}

// BandMetres sums the edge-banding length across parts. Long edges (u1, u2)
// contribute the part length, short edges (k1, k2) the width, per piece.
func BandMetres(parts []models.Part) float64 {
	var totalMM float64
	for _, p := range parts {
		var perPiece float64
		if banded(p.U1) {
			perPiece += p.LengthMM
		}
		if banded(p.U2) {
			perPiece += p.LengthMM
		}
		if banded(p.K1) {
			perPiece += p.WidthMM
		}
		if banded(p.K2) {
			perPiece += p.WidthMM
		}
		totalMM += float64(p.Quantity) * perPiece
	}
	return totalMM / 1000
}

func banded(e models.EdgeFlag) bool {
	return e.Set || e.Code != ""
}

// note reproduces the calculation for the humans reading _raporlar/.
func note(r models.Receipt, job models.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Uretim fisi %s\n", r.InvoiceNumber)
	fmt.Fprintf(&b, "Siparis: %s (%s)\n", job.OrderID, job.Order.CustomerName)
	fmt.Fprintf(&b, "Plaka: %.0fx%.0f mm, mqBoards=%.2f m2 -> %d plaka x %.2f = %.2f\n",
		job.Order.PlateWidthMM, job.Order.PlateHeightMM, job.Solution.MQBoards,
		r.PlateCount, r.PlateUnitPrice, float64(r.PlateCount)*r.PlateUnitPrice)
	fmt.Fprintf(&b, "Bant: %.2f m x %.2f = %.2f\n", r.BandMetres, r.BandMetrePrice, r.BandMetres*r.BandMetrePrice)
	fmt.Fprintf(&b, "Ara toplam: %.2f\nKDV (%%%.0f): %.2f\nGenel toplam: %.2f\n",
		r.Subtotal, r.VATRate, r.VATAmount, r.GrandTotal)
	return b.String()
}
