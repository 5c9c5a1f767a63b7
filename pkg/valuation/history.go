package valuation

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// FetchPurchaseHistory produces the full, non-collapsed delivery history
// for one product: every purchase event per size, newest first, joined
// with the current stock quantity for display context. No FIFO
// consumption happens here; this is the raw audit trail behind the
// derived layers.
func (e *Engine) FetchPurchaseHistory(ctx context.Context, company, productNumber string) (*ProductPurchaseHistory, error) {
	if err := ValidateCompany(company); err != nil {
		return nil, err
	}
	if err := ValidateProductNumber(productNumber, true); err != nil {
		return nil, err
	}

	var (
		deliveries   []DeliveryLine
		observations []StockObservation
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		deliveries, err = e.ledger.FetchDeliveries(gctx, company, productNumber)
		if err != nil {
			return NewSourceError("fetch_deliveries", "delivery ledger fetch failed", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		observations, err = e.snapshots.FetchStock(gctx, company)
		if err != nil {
			return NewSourceError("fetch_stock", "stock snapshot fetch failed", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bySize := make(map[SizeKey]*SizePurchaseHistory)
	variantMeta := collectVariantMeta(deliveries)

	get := func(key SizeKey) *SizePurchaseHistory {
		if h, ok := bySize[key]; ok {
			return h
		}
		h := &SizePurchaseHistory{
			Key:           key,
			SizeLabel:     key.SizeLabel(),
			VariantNumber: variantMeta[key.VariantID].number,
			VariantName:   variantMeta[key.VariantID].name,
		}
		bySize[key] = h
		return h
	}

	for _, d := range deliveries {
		h := get(d.Key())
		h.TotalPurchased += d.Quantity
		if h.FirstPurchase == nil || d.CreatedAt.Before(*h.FirstPurchase) {
			first := d.CreatedAt
			h.FirstPurchase = &first
		}
		h.Deliveries = append(h.Deliveries, DeliveryRecord{
			Date:            d.CreatedAt,
			Quantity:        d.Quantity,
			UnitCost:        d.UnitCost,
			SupplierName:    d.SupplierName,
			PurchaseOrderID: d.PurchaseOrderID,
		})
	}

	// Join current stock; a size with stock but no purchase trail still
	// shows up so the gap is visible.
	latest := make(map[SizeKey]StockObservation)
	for _, o := range observations {
		if o.ProductNumber != productNumber {
			continue
		}
		key := o.Key()
		if prev, ok := latest[key]; !ok || o.ObservedAt.After(prev.ObservedAt) {
			latest[key] = o
		}
	}
	for key, o := range latest {
		h := get(key)
		h.CurrentQuantity = o.PhysicalQuantity
		h.EAN = o.EAN
	}

	if len(bySize) == 0 {
		return nil, NewSourceError("fetch_purchase_history", "no deliveries or stock for product "+productNumber, ErrProductNotFound)
	}

	history := &ProductPurchaseHistory{
		Company:       company,
		ProductNumber: productNumber,
		GeneratedAt:   time.Now().UTC(),
		Sizes:         make([]SizePurchaseHistory, 0, len(bySize)),
	}
	for _, h := range bySize {
		// Deliveries newest first for drill-down display.
		sort.Slice(h.Deliveries, func(i, j int) bool {
			return h.Deliveries[i].Date.After(h.Deliveries[j].Date)
		})
		history.Sizes = append(history.Sizes, *h)
	}
	sortSizeHistoriesNaturally(history.Sizes)

	e.logger.Info("purchase history assembled",
		zap.String("company", company),
		zap.String("product_number", productNumber),
		zap.Int("sizes", len(history.Sizes)),
		zap.Int("deliveries", len(deliveries)),
	)

	return history, nil
}

// FetchStockHistory exposes the observation time series for one product.
// windowDays limits the series; 0 means the full history.
func (e *Engine) FetchStockHistory(ctx context.Context, company, productNumber string, windowDays int) ([]StockObservation, error) {
	if err := ValidateCompany(company); err != nil {
		return nil, err
	}
	if err := ValidateProductNumber(productNumber, true); err != nil {
		return nil, err
	}
	if windowDays < 0 {
		return nil, NewValidationError("window_days", "window must not be negative", formatInt(int64(windowDays)))
	}

	series, err := e.snapshots.FetchStockHistory(ctx, company, productNumber, windowDays)
	if err != nil {
		return nil, NewSourceError("fetch_stock_history", "stock history fetch failed", err)
	}
	return series, nil
}

// newSizeCollator builds a collator that orders size labels with
// numeric awareness, so "8" < "10" < "38.5" < "S". Lexical order is the
// collator's own fallback for non-numeric labels.
func newSizeCollator() *collate.Collator {
	return collate.New(language.Und, collate.Numeric)
}

// sortSizesNaturally orders valuation rows by human-readable size label.
func sortSizesNaturally(sizes []SizeValuation) {
	c := newSizeCollator()
	sort.SliceStable(sizes, func(i, j int) bool {
		if cmp := c.CompareString(sizes[i].SizeLabel, sizes[j].SizeLabel); cmp != 0 {
			return cmp < 0
		}
		return sizes[i].Key.SizeNumber < sizes[j].Key.SizeNumber
	})
}

// sortSizeHistoriesNaturally orders history rows by variant, then by
// human-readable size label.
func sortSizeHistoriesNaturally(sizes []SizePurchaseHistory) {
	c := newSizeCollator()
	sort.SliceStable(sizes, func(i, j int) bool {
		if sizes[i].Key.VariantID != sizes[j].Key.VariantID {
			return sizes[i].Key.VariantID < sizes[j].Key.VariantID
		}
		if cmp := c.CompareString(sizes[i].SizeLabel, sizes[j].SizeLabel); cmp != 0 {
			return cmp < 0
		}
		return sizes[i].Key.SizeNumber < sizes[j].Key.SizeNumber
	})
}
