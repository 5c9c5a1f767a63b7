package valuation

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine implements the valuation, history and reconciliation engines
// over the three reader dependencies. It holds no mutable shared state:
// every run works on immutable snapshots fetched fresh per request, so
// concurrent runs need no locks.
type Engine struct {
	ledger    DeliveryLedger
	snapshots StockSnapshots
	pos       PosBalances // optional; nil for companies without a POS channel
	logger    *zap.Logger
	metrics   *Metrics
	config    *Config
}

var (
	_ ValuationEngine      = (*Engine)(nil)
	_ HistoryEngine        = (*Engine)(nil)
	_ ReconciliationEngine = (*Engine)(nil)
)

// Config holds engine tuning knobs.
type Config struct {
	// PosTimeout bounds the best-effort POS balance fetch.
	PosTimeout time.Duration

	// MaxConcurrency bounds the number of sizes valued in parallel
	// during a company-wide run.
	MaxConcurrency int
}

// NewEngine creates a valuation engine. pos may be nil; metrics may be
// nil (unregistered metrics are created); config may be nil (defaults
// apply).
func NewEngine(ledger DeliveryLedger, snapshots StockSnapshots, pos PosBalances, logger *zap.Logger, metrics *Metrics, config *Config) *Engine {
	if config == nil {
		config = &Config{
			PosTimeout:     5 * time.Second,
			MaxConcurrency: 8,
		}
	}
	if config.PosTimeout <= 0 {
		config.PosTimeout = 5 * time.Second
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 8
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		ledger:    ledger,
		snapshots: snapshots,
		pos:       pos,
		logger:    logger,
		metrics:   metrics,
		config:    config,
	}
}

// sizeInput is the joined per-size input to the FIFO calculator.
type sizeInput struct {
	key           SizeKey
	productNumber string
	deliveries    []DeliveryLine
	observed      int64
	ean           string
}

// CalculateValuation runs the FIFO layer calculator for every size under
// the company and rolls results up to variant and product level. A
// failed size is captured on the report and never aborts its siblings;
// a failed POS fetch degrades the overlay and never aborts the run.
func (e *Engine) CalculateValuation(ctx context.Context, company string, opts ValuationOptions) (*ValuationReport, error) {
	if err := ValidateCompany(company); err != nil {
		return nil, err
	}
	if err := ValidateProductNumber(opts.ProductNumber, false); err != nil {
		return nil, err
	}

	start := time.Now()
	e.metrics.ValuationRuns.Inc()

	deliveries, observations, posBalances, posDegraded, err := e.fetchInputs(ctx, company, opts)
	if err != nil {
		return nil, err
	}

	inputs := joinBySize(deliveries, observations, opts.ProductNumber)
	if opts.ProductNumber != "" && len(inputs) == 0 {
		return nil, NewSourceError("calculate_valuation", "no deliveries or stock for product "+opts.ProductNumber, ErrProductNotFound)
	}

	report := &ValuationReport{
		RunID:       NewRunID(),
		Company:     company,
		GeneratedAt: time.Now().UTC(),
		Summary: ValuationSummary{
			TotalValue:  decimal.Zero,
			PosDegraded: posDegraded,
		},
	}

	type sizeOutcome struct {
		input  sizeInput
		result *FifoResult
		err    error
	}

	// Value sizes in parallel with a bounded group. Each size is a
	// bulkhead: its error lands in outcomes, not in the group error.
	outcomes := make([]sizeOutcome, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaxConcurrency)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				outcomes[i] = sizeOutcome{input: in, err: err}
				return nil
			}
			result, err := CalculateLayers(in.deliveries, in.observed)
			if err != nil {
				err = NewComputationError(in.key, "fifo layer calculation failed", err)
			}
			outcomes[i] = sizeOutcome{input: in, result: result, err: err}
			return nil
		})
	}
	// Workers never return errors; Wait only synchronizes.
	_ = g.Wait()

	sizesByProduct := make(map[string][]SizeValuation)
	variantMeta := collectVariantMeta(deliveries)

	for _, out := range outcomes {
		if out.err != nil {
			e.metrics.SizeFailures.Inc()
			e.logger.Warn("size valuation failed",
				zap.String("company", company),
				zap.String("product_number", out.input.productNumber),
				zap.String("size_key", out.input.key.String()),
				zap.Error(out.err),
			)
			report.Failures = append(report.Failures, SizeFailure{
				ProductNumber: out.input.productNumber,
				Key:           out.input.key,
				Error:         out.err.Error(),
			})
			report.Summary.FailedSizes++
			continue
		}

		sv := SizeValuation{
			Key:              out.input.key,
			SizeLabel:        out.input.key.SizeLabel(),
			EAN:              out.input.ean,
			Quantity:         out.result.Quantity,
			Value:            out.result.Value,
			WeightedUnitCost: out.result.WeightedUnitCost,
			OldestLayerDate:  out.result.OldestLayerDate,
			Layers:           out.result.Layers,
			Inconsistent:     out.result.Inconsistent,
		}
		if out.result.Inconsistent {
			e.metrics.InconsistentSizes.Inc()
			report.Summary.InconsistentSizes++
		}
		if opts.IncludePosBalances && posBalances != nil && sv.EAN != "" {
			if qty, ok := posBalances[sv.EAN]; ok {
				q := qty
				sv.PosQuantity = &q
			}
		}

		sizesByProduct[out.input.productNumber] = append(sizesByProduct[out.input.productNumber], sv)
		report.Summary.TotalQuantity += sv.Quantity
		report.Summary.TotalValue = report.Summary.TotalValue.Add(sv.Value)
		report.Summary.SizeCount++
	}

	report.Products = rollUp(sizesByProduct, variantMeta)
	report.Summary.ProductCount = len(report.Products)

	duration := time.Since(start)
	e.metrics.ValuationDuration.Observe(duration.Seconds())
	e.logger.Info("valuation run complete",
		zap.String("company", company),
		zap.String("run_id", report.RunID),
		zap.Int("products", report.Summary.ProductCount),
		zap.Int("sizes", report.Summary.SizeCount),
		zap.Int("inconsistent_sizes", report.Summary.InconsistentSizes),
		zap.Int("failed_sizes", report.Summary.FailedSizes),
		zap.Bool("pos_degraded", report.Summary.PosDegraded),
		zap.String("total_value", formatMoney(report.Summary.TotalValue)),
		zap.Duration("duration", duration),
	)

	return report, nil
}

// fetchInputs issues the independent reads concurrently and joins them.
// Ledger and snapshot failures fail the run; the POS fetch is
// best-effort and time-bounded.
func (e *Engine) fetchInputs(ctx context.Context, company string, opts ValuationOptions) ([]DeliveryLine, []StockObservation, map[string]int64, bool, error) {
	var (
		deliveries   []DeliveryLine
		observations []StockObservation
		posBalances  map[string]int64
		posDegraded  bool
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		deliveries, err = e.ledger.FetchDeliveries(gctx, company, opts.ProductNumber)
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

	if opts.IncludePosBalances && e.pos != nil {
		g.Go(func() error {
			posCtx, cancel := context.WithTimeout(gctx, e.config.PosTimeout)
			defer cancel()

			balances, err := e.pos.FetchBalances(posCtx, company)
			if err != nil {
				// Optional dependency: degrade, do not fail the run.
				posDegraded = true
				e.metrics.PosDegradations.Inc()
				e.logger.Warn("pos balance fetch degraded",
					zap.String("company", company),
					zap.Error(NewSourceError("fetch_pos_balances", ErrPosUnavailable.Error(), err)),
				)
				return nil
			}
			posBalances = balances
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, nil, false, err
	}
	return deliveries, observations, posBalances, posDegraded, nil
}

// joinBySize groups deliveries and observations into per-size inputs.
// The size universe is the union of both sources: a size with stock but
// no deliveries values to zero, and a size with deliveries but no
// observation is treated as fully depleted.
func joinBySize(deliveries []DeliveryLine, observations []StockObservation, productFilter string) []sizeInput {
	bySize := make(map[SizeKey]*sizeInput)

	get := func(key SizeKey, productNumber string) *sizeInput {
		if in, ok := bySize[key]; ok {
			if in.productNumber == "" {
				in.productNumber = productNumber
			}
			return in
		}
		in := &sizeInput{key: key, productNumber: productNumber}
		bySize[key] = in
		return in
	}

	for _, d := range deliveries {
		if productFilter != "" && d.ProductNumber != productFilter {
			continue
		}
		in := get(d.Key(), d.ProductNumber)
		in.deliveries = append(in.deliveries, d)
	}

	// Keep only the most recent observation per size.
	latest := make(map[SizeKey]StockObservation)
	for _, o := range observations {
		if productFilter != "" && o.ProductNumber != productFilter {
			continue
		}
		key := o.Key()
		if prev, ok := latest[key]; !ok || o.ObservedAt.After(prev.ObservedAt) {
			latest[key] = o
		}
	}
	for key, o := range latest {
		in := get(key, o.ProductNumber)
		in.observed = o.PhysicalQuantity
		in.ean = o.EAN
	}

	inputs := make([]sizeInput, 0, len(bySize))
	for _, in := range bySize {
		inputs = append(inputs, *in)
	}
	// Deterministic run order regardless of map iteration.
	sort.Slice(inputs, func(i, j int) bool {
		if inputs[i].productNumber != inputs[j].productNumber {
			return inputs[i].productNumber < inputs[j].productNumber
		}
		if inputs[i].key.VariantID != inputs[j].key.VariantID {
			return inputs[i].key.VariantID < inputs[j].key.VariantID
		}
		return inputs[i].key.SizeNumber < inputs[j].key.SizeNumber
	})
	return inputs
}

// variantInfo carries display metadata that only the delivery ledger
// knows.
type variantInfo struct {
	number string
	name   string
}

// collectVariantMeta picks variant display metadata from the newest
// delivery per variant.
func collectVariantMeta(deliveries []DeliveryLine) map[string]variantInfo {
	meta := make(map[string]variantInfo)
	newest := make(map[string]time.Time)
	for _, d := range deliveries {
		if at, ok := newest[d.VariantID]; ok && !d.CreatedAt.After(at) {
			continue
		}
		newest[d.VariantID] = d.CreatedAt
		meta[d.VariantID] = variantInfo{number: d.VariantNumber, name: d.VariantName}
	}
	return meta
}

// rollUp builds the product → variant → size hierarchy. Weighted cost at
// every level is Σ(value)/Σ(quantity), never an arithmetic mean of the
// per-size costs.
func rollUp(sizesByProduct map[string][]SizeValuation, variantMeta map[string]variantInfo) []ProductValuation {
	products := make([]ProductValuation, 0, len(sizesByProduct))

	for productNumber, sizes := range sizesByProduct {
		byVariant := make(map[string][]SizeValuation)
		for _, sv := range sizes {
			byVariant[sv.Key.VariantID] = append(byVariant[sv.Key.VariantID], sv)
		}

		product := ProductValuation{
			ProductNumber:    productNumber,
			Value:            decimal.Zero,
			WeightedUnitCost: decimal.Zero,
		}

		for variantID, variantSizes := range byVariant {
			sortSizesNaturally(variantSizes)

			variant := VariantValuation{
				VariantID:        variantID,
				VariantNumber:    variantMeta[variantID].number,
				VariantName:      variantMeta[variantID].name,
				Value:            decimal.Zero,
				WeightedUnitCost: decimal.Zero,
				Sizes:            variantSizes,
			}
			for _, sv := range variantSizes {
				variant.Quantity += sv.Quantity
				variant.Value = variant.Value.Add(sv.Value)
			}
			if variant.Quantity > 0 {
				variant.WeightedUnitCost = variant.Value.Div(decimal.NewFromInt(variant.Quantity))
			}

			product.Quantity += variant.Quantity
			product.Value = product.Value.Add(variant.Value)
			product.Variants = append(product.Variants, variant)
		}

		sort.Slice(product.Variants, func(i, j int) bool {
			a, b := product.Variants[i], product.Variants[j]
			if a.VariantNumber != b.VariantNumber {
				return a.VariantNumber < b.VariantNumber
			}
			return a.VariantID < b.VariantID
		})

		if product.Quantity > 0 {
			product.WeightedUnitCost = product.Value.Div(decimal.NewFromInt(product.Quantity))
		}
		products = append(products, product)
	}

	sort.Slice(products, func(i, j int) bool {
		return products[i].ProductNumber < products[j].ProductNumber
	})
	return products
}
