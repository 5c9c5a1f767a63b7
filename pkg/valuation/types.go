// Package valuation reconstructs FIFO cost layers from purchase-order
// delivery history and reconciles the resulting inventory value against
// external systems of record.
package valuation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DeliveryLine is one purchase-order delivery event from the ledger.
// Deliveries are immutable and totally ordered by (CreatedAt, ID).
type DeliveryLine struct {
	ID              string          `json:"id" db:"id"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	ProductNumber   string          `json:"product_number" db:"product_number"`
	VariantID       string          `json:"variant_id" db:"variant_id"`
	VariantNumber   string          `json:"variant_number" db:"variant_number"`
	VariantName     string          `json:"variant_name" db:"variant_name"`
	SizeNumber      *string         `json:"size_number" db:"size_number"` // nil for sizeless products
	Quantity        int64           `json:"quantity" db:"quantity"`
	UnitCost        decimal.Decimal `json:"unit_cost" db:"unit_cost"` // SEK
	SupplierName    string          `json:"supplier_name" db:"supplier_name"`
	PurchaseOrderID string          `json:"purchase_order_id" db:"purchase_order_id"`
}

// Key returns the composite size identity of the delivery line.
func (d DeliveryLine) Key() SizeKey {
	return NewSizeKey(d.VariantID, d.SizeNumber)
}

// StockObservation is a point-in-time physical-quantity reading for one
// size, sourced from the retail operating system.
type StockObservation struct {
	ProductNumber    string    `json:"product_number" db:"product_number"`
	VariantID        string    `json:"variant_id" db:"variant_id"`
	SizeNumber       *string   `json:"size_number" db:"size_number"`
	PhysicalQuantity int64     `json:"physical_quantity" db:"physical_quantity"`
	ObservedAt       time.Time `json:"observed_at" db:"observed_at"`
	EAN              string    `json:"ean" db:"ean"` // cross-system identifier, may be empty
}

// Key returns the composite size identity of the observation.
func (o StockObservation) Key() SizeKey {
	return NewSizeKey(o.VariantID, o.SizeNumber)
}

// SizeKey is the typed composite identity joining deliveries and stock
// observations: (variant, size). A nil or empty size number normalizes
// to the same sentinel, so sizeless records always match.
type SizeKey struct {
	VariantID  string `json:"variant_id"`
	SizeNumber string `json:"size_number"` // "" is the sizeless sentinel
}

// NewSizeKey builds a SizeKey, normalizing nil and "" size numbers.
func NewSizeKey(variantID string, sizeNumber *string) SizeKey {
	k := SizeKey{VariantID: variantID}
	if sizeNumber != nil {
		k.SizeNumber = *sizeNumber
	}
	return k
}

// SizeLabel returns the human-readable size label.
func (k SizeKey) SizeLabel() string {
	if k.SizeNumber == "" {
		return "ONE SIZE"
	}
	return k.SizeNumber
}

func (k SizeKey) String() string {
	if k.SizeNumber == "" {
		return k.VariantID + ":-"
	}
	return k.VariantID + ":" + k.SizeNumber
}

// FifoLayer is a remaining, unconsumed portion of one historical
// delivery, carrying that delivery's original unit cost. Layers are
// derived per calculation run and never persisted.
type FifoLayer struct {
	DeliveryID string          `json:"delivery_id"`
	Quantity   int64           `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	LayerDate  time.Time       `json:"layer_date"`
}

// Value returns quantity × unit cost for the layer.
func (l FifoLayer) Value() decimal.Decimal {
	return l.UnitCost.Mul(decimal.NewFromInt(l.Quantity))
}

// FifoResult is the outcome of one FIFO layer calculation for a single
// size: the remaining layers plus the derived figures over them.
type FifoResult struct {
	Layers           []FifoLayer     `json:"layers"`
	Quantity         int64           `json:"quantity"`
	Value            decimal.Decimal `json:"value"`
	WeightedUnitCost decimal.Decimal `json:"weighted_unit_cost"`
	OldestLayerDate  *time.Time      `json:"oldest_layer_date"`
	TotalDelivered   int64           `json:"total_delivered"`
	SoldQuantity     int64           `json:"sold_quantity"`
	// Inconsistent marks the observed-exceeds-delivered condition: sold
	// was clamped to zero and all delivered quantity remains as layers.
	Inconsistent bool `json:"inconsistent"`
}

// SizeValuation is the per-size row of a valuation report.
type SizeValuation struct {
	Key              SizeKey         `json:"key"`
	SizeLabel        string          `json:"size_label"`
	EAN              string          `json:"ean,omitempty"`
	Quantity         int64           `json:"quantity"`
	Value            decimal.Decimal `json:"value"`
	WeightedUnitCost decimal.Decimal `json:"weighted_unit_cost"`
	OldestLayerDate  *time.Time      `json:"oldest_layer_date"`
	// Layers is the remaining cost-layer breakdown behind the figures
	// above, for per-size drill-down.
	Layers       []FifoLayer `json:"layers"`
	Inconsistent bool        `json:"inconsistent"`
	// PosQuantity is the side-by-side point-of-sale balance for the
	// size's EAN. Informational only; it never alters the valuation.
	PosQuantity *int64 `json:"pos_quantity,omitempty"`
}

// VariantValuation rolls size valuations up to one variant.
type VariantValuation struct {
	VariantID        string          `json:"variant_id"`
	VariantNumber    string          `json:"variant_number"`
	VariantName      string          `json:"variant_name"`
	Quantity         int64           `json:"quantity"`
	Value            decimal.Decimal `json:"value"`
	WeightedUnitCost decimal.Decimal `json:"weighted_unit_cost"`
	Sizes            []SizeValuation `json:"sizes"`
}

// ProductValuation rolls variant valuations up to one product.
type ProductValuation struct {
	ProductNumber    string             `json:"product_number"`
	Quantity         int64              `json:"quantity"`
	Value            decimal.Decimal    `json:"value"`
	WeightedUnitCost decimal.Decimal    `json:"weighted_unit_cost"`
	Variants         []VariantValuation `json:"variants"`
}

// SizeFailure records a per-size computation fault captured during a
// company-wide run. Failed sizes never abort their siblings.
type SizeFailure struct {
	ProductNumber string  `json:"product_number"`
	Key           SizeKey `json:"key"`
	Error         string  `json:"error"`
}

// ValuationSummary aggregates a valuation report.
type ValuationSummary struct {
	TotalQuantity     int64           `json:"total_quantity"`
	TotalValue        decimal.Decimal `json:"total_value"`
	ProductCount      int             `json:"product_count"`
	SizeCount         int             `json:"size_count"`
	InconsistentSizes int             `json:"inconsistent_sizes"`
	FailedSizes       int             `json:"failed_sizes"`
	PosDegraded       bool            `json:"pos_degraded"`
}

// ValuationReport is the full output of one valuation run.
type ValuationReport struct {
	RunID       string             `json:"run_id"`
	Company     string             `json:"company"`
	GeneratedAt time.Time          `json:"generated_at"`
	Products    []ProductValuation `json:"products"`
	Summary     ValuationSummary   `json:"summary"`
	Failures    []SizeFailure      `json:"failures,omitempty"`
}

// ExtractRow is one parsed row of an external ground-truth extract
// (warehouse-management export), keyed by EAN.
type ExtractRow struct {
	EAN      string          `json:"ean"`
	Variant  string          `json:"variant"`
	Size     string          `json:"size"`
	Quantity int64           `json:"quantity"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

// Value returns quantity × unit cost for the extract row.
func (r ExtractRow) Value() decimal.Decimal {
	return r.UnitCost.Mul(decimal.NewFromInt(r.Quantity))
}

// MatchReason classifies a matched reconciliation row.
type MatchReason string

const (
	ReasonNoDiscrepancy    MatchReason = "no discrepancy"
	ReasonQuantityMismatch MatchReason = "quantity mismatch"
	ReasonCostMismatch     MatchReason = "cost mismatch"
)

// ReconciliationRow compares one EAN across the internal valuation and
// the external extract.
type ReconciliationRow struct {
	EAN               string          `json:"ean"`
	Variant           string          `json:"variant"`
	Size              string          `json:"size"`
	InternalQuantity  int64           `json:"internal_quantity"`
	InternalValue     decimal.Decimal `json:"internal_value"`
	ExternalQuantity  int64           `json:"external_quantity"`
	ExternalValue     decimal.Decimal `json:"external_value"`
	QuantityDelta     int64           `json:"quantity_delta"`
	ValueDelta        decimal.Decimal `json:"value_delta"`
	ValueDeltaPercent decimal.Decimal `json:"value_delta_percent"`
	Reason            MatchReason     `json:"reason"`
}

// ReconciliationSummary aggregates one comparison run. Internal-only and
// external-only counts make silent data loss visible as a number.
type ReconciliationSummary struct {
	MatchedCount       int             `json:"matched_count"`
	InternalOnlyCount  int             `json:"internal_only_count"`
	ExternalOnlyCount  int             `json:"external_only_count"`
	SkippedNoEAN       int             `json:"skipped_no_ean"`
	MatchedValue       decimal.Decimal `json:"matched_value"`
	InternalOnlyValue  decimal.Decimal `json:"internal_only_value"`
	ExternalOnlyValue  decimal.Decimal `json:"external_only_value"`
	TotalQuantityDelta int64           `json:"total_quantity_delta"`
	TotalValueDelta    decimal.Decimal `json:"total_value_delta"`
}

// ReconciliationReport is the full output of one comparison run.
type ReconciliationReport struct {
	RunID        string                `json:"run_id"`
	Company      string                `json:"company"`
	Date         time.Time             `json:"date"`
	GeneratedAt  time.Time             `json:"generated_at"`
	Comparisons  []ReconciliationRow   `json:"comparisons"`
	InternalOnly []ReconciliationRow   `json:"internal_only"`
	ExternalOnly []ReconciliationRow   `json:"external_only"`
	Summary      ReconciliationSummary `json:"summary"`
}

// DeliveryRecord is one purchase event in the drill-down history view.
type DeliveryRecord struct {
	Date            time.Time       `json:"date"`
	Quantity        int64           `json:"quantity"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	SupplierName    string          `json:"supplier_name"`
	PurchaseOrderID string          `json:"purchase_order_id"`
}

// SizePurchaseHistory is the non-collapsed delivery history for one
// size, joined with the current stock quantity for display context.
type SizePurchaseHistory struct {
	Key             SizeKey          `json:"key"`
	SizeLabel       string           `json:"size_label"`
	VariantNumber   string           `json:"variant_number"`
	VariantName     string           `json:"variant_name"`
	EAN             string           `json:"ean,omitempty"`
	TotalPurchased  int64            `json:"total_purchased"`
	FirstPurchase   *time.Time       `json:"first_purchase"`
	CurrentQuantity int64            `json:"current_quantity"`
	Deliveries      []DeliveryRecord `json:"deliveries"` // newest first
}

// ProductPurchaseHistory is the full audit trail behind a product's
// derived FIFO layers.
type ProductPurchaseHistory struct {
	Company       string                `json:"company"`
	ProductNumber string                `json:"product_number"`
	GeneratedAt   time.Time             `json:"generated_at"`
	Sizes         []SizePurchaseHistory `json:"sizes"`
}

// NewRunID generates an identifier for one valuation or comparison run.
func NewRunID() string {
	return uuid.New().String()
}

// formatMoney renders a decimal with two places for reports and logs.
func formatMoney(d decimal.Decimal) string {
	return d.StringFixed(2)
}
