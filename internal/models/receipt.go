package models

import "time"

// ReceiptTypeProduction is the only receipt type the pipeline emits; exactly
// one per order.
const ReceiptTypeProduction = "PRODUCTION"

// Receipt is the priced production receipt derived from a finished
// optimization. Write-once per (order, type).
type Receipt struct {
	ID             string    `json:"id"`
	OrderID        string    `json:"order_id"`
	Type           string    `json:"type"`
	InvoiceNumber  string    `json:"invoice_number"`
	PlateCount     int       `json:"plate_count"`
	BandMetres     float64   `json:"band_metres"`
	PlateUnitPrice float64   `json:"plate_unit_price"`
	BandMetrePrice float64   `json:"band_metre_price"`
	Subtotal       float64   `json:"subtotal"`
	VATRate        float64   `json:"vat_rate"`
	VATAmount      float64   `json:"vat_amount"`
	GrandTotal     float64   `json:"grand_total"`
	Note           string    `json:"note"`
	CreatedAt      time.Time `json:"created_at"`
}

// CRMAccount is the customer record consulted by the validation gate and the
// receipt calculator. Price overrides are optional; nil falls back to the
// configured defaults.
type CRMAccount struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	PhoneNormal    string   `json:"phone_normalized"`
	PlateUnitPrice *float64 `json:"plate_unit_price,omitempty"`
	BandMetrePrice *float64 `json:"band_metre_price,omitempty"`
}
