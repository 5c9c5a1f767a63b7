package valuation

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CalculateLayers reconstructs the remaining FIFO cost layers for one
// size from its full delivery history and the currently observed
// quantity.
//
// The walk consumes sold = max(0, totalDelivered - observed) units from
// the oldest delivery forward; every delivery with a remainder becomes a
// layer at its original unit cost. When the observation exceeds the
// delivered total, sold clamps to zero, the full history remains as
// layers and the result is flagged Inconsistent instead of failing.
//
// The function is pure: identical inputs produce identical results
// regardless of the order deliveries arrive in.
func CalculateLayers(deliveries []DeliveryLine, observedQuantity int64) (*FifoResult, error) {
	if observedQuantity < 0 {
		return nil, NewValidationError("physical_quantity", ErrNegativeObservation.Error(), fmt.Sprintf("%d", observedQuantity))
	}

	// Consumption order is (CreatedAt, ID) ascending, never source
	// order. Sort a copy; the input stays untouched.
	sorted := make([]DeliveryLine, len(deliveries))
	copy(sorted, deliveries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	totalDelivered := int64(0)
	for _, d := range sorted {
		if d.Quantity <= 0 {
			return nil, fmt.Errorf("delivery %s: %w (got %d)", d.ID, ErrNonPositiveDelivery, d.Quantity)
		}
		totalDelivered += d.Quantity
	}

	result := &FifoResult{
		Layers:           make([]FifoLayer, 0, len(sorted)),
		Quantity:         0,
		Value:            decimal.Zero,
		WeightedUnitCost: decimal.Zero,
		TotalDelivered:   totalDelivered,
	}

	sold := totalDelivered - observedQuantity
	if sold < 0 {
		// More stock observed than ever delivered. Keep the full
		// history as layers and surface the condition.
		sold = 0
		result.Inconsistent = true
	}
	result.SoldQuantity = sold

	remainingToConsume := sold
	for _, d := range sorted {
		consumedHere := d.Quantity
		if consumedHere > remainingToConsume {
			consumedHere = remainingToConsume
		}
		remainingToConsume -= consumedHere

		remainderHere := d.Quantity - consumedHere
		if remainderHere == 0 {
			continue
		}

		layer := FifoLayer{
			DeliveryID: d.ID,
			Quantity:   remainderHere,
			UnitCost:   d.UnitCost,
			LayerDate:  d.CreatedAt,
		}
		result.Layers = append(result.Layers, layer)
		result.Quantity += remainderHere
		result.Value = result.Value.Add(layer.Value())

		if result.OldestLayerDate == nil {
			// First delivery in consumption order with a remainder:
			// the age of the oldest stock still on hand.
			date := d.CreatedAt
			result.OldestLayerDate = &date
		}
	}

	if result.Quantity > 0 {
		result.WeightedUnitCost = result.Value.Div(decimal.NewFromInt(result.Quantity))
	}

	return result, nil
}

// OldestLayerAge returns how long the oldest remaining layer has been on
// hand at the given reference time, or zero when no layers remain.
func (r *FifoResult) OldestLayerAge(now time.Time) time.Duration {
	if r.OldestLayerDate == nil {
		return 0
	}
	return now.Sub(*r.OldestLayerDate)
}
