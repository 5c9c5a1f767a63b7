package valuation

import (
	"context"
	"time"
)

// DeliveryLedger reads purchase-order delivery line items from the
// external event store. The ledger is append-only; the engine never
// writes to it. productNumber narrows the fetch; "" means all products.
type DeliveryLedger interface {
	FetchDeliveries(ctx context.Context, company, productNumber string) ([]DeliveryLine, error)
}

// StockSnapshots reads physical-quantity observations from the retail
// operating system.
type StockSnapshots interface {
	// FetchStock returns the most recent observation per size for the
	// company.
	FetchStock(ctx context.Context, company string) ([]StockObservation, error)

	// FetchStockHistory returns the observation time series for one
	// product. windowDays limits the series; 0 means the full history.
	FetchStockHistory(ctx context.Context, company, productNumber string, windowDays int) ([]StockObservation, error)
}

// PosBalances reads current on-hand balances from the point-of-sale
// system, keyed by EAN. The dependency is optional: a company without a
// POS channel has no reader, and a failing fetch degrades the valuation
// instead of aborting it.
type PosBalances interface {
	FetchBalances(ctx context.Context, company string) (map[string]int64, error)
}

// ValuationOptions controls one valuation run.
type ValuationOptions struct {
	// ProductNumber narrows the run to one product; "" runs the whole
	// company.
	ProductNumber string

	// IncludePosBalances requests the side-by-side POS overlay. Ignored
	// when no PosBalances reader is configured.
	IncludePosBalances bool
}

// ValuationEngine computes FIFO valuations and their rollups.
type ValuationEngine interface {
	CalculateValuation(ctx context.Context, company string, opts ValuationOptions) (*ValuationReport, error)
}

// HistoryEngine produces the non-collapsed purchase audit trail.
type HistoryEngine interface {
	FetchPurchaseHistory(ctx context.Context, company, productNumber string) (*ProductPurchaseHistory, error)
	FetchStockHistory(ctx context.Context, company, productNumber string, windowDays int) ([]StockObservation, error)
}

// ReconciliationEngine cross-checks the internal valuation against an
// externally supplied ground-truth extract.
type ReconciliationEngine interface {
	RunComparison(ctx context.Context, company string, rows []ExtractRow, date time.Time) (*ReconciliationReport, error)
	GenerateReport(report *ReconciliationReport) string
}
