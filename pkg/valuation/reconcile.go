package valuation

import (
	"context"
	"encoding/csv"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// extractHeader is the column layout of a ground-truth extract and of
// the generated report, so reports round-trip through ParseExtract.
var extractHeader = []string{"EAN", "Variant", "Size", "Quantity", "UnitCost"}

// ParseExtract parses a tabular ground-truth extract (tab-separated,
// optional header) into structured rows. Unit costs accept both "." and
// "," decimal separators, since warehouse exports vary.
func ParseExtract(text string) ([]ExtractRow, error) {
	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = '\t'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, NewExtractError(0, "extract is not valid tab-separated text", err.Error())
	}

	rows := make([]ExtractRow, 0, len(records))
	first := true
	for i, record := range records {
		line := i + 1
		if isBlankRecord(record) {
			continue
		}
		if len(record) < 5 {
			return nil, NewExtractError(line, "expected 5 columns (EAN, variant, size, quantity, unit cost)", strings.Join(record, "\t"))
		}
		// The header may sit below leading blank rows in pasted extracts.
		if first {
			first = false
			if isExtractHeader(record) {
				continue
			}
		}

		quantity, err := strconv.ParseInt(strings.TrimSpace(record[3]), 10, 64)
		if err != nil {
			return nil, NewExtractError(line, "quantity is not an integer", record[3])
		}
		unitCost, err := parseDecimal(record[4])
		if err != nil {
			return nil, NewExtractError(line, "unit cost is not a number", record[4])
		}

		row := ExtractRow{
			EAN:      strings.TrimSpace(record[0]),
			Variant:  strings.TrimSpace(record[1]),
			Size:     strings.TrimSpace(record[2]),
			Quantity: quantity,
			UnitCost: unitCost,
		}
		if err := ValidateExtractRow(row); err != nil {
			return nil, NewExtractError(line, err.Error(), strings.Join(record, "\t"))
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, ErrEmptyExtract
	}
	return rows, nil
}

// internalRow is the flattened internal side of a comparison.
type internalRow struct {
	ean      string
	variant  string
	size     string
	quantity int64
	value    decimal.Decimal
}

// RunComparison joins the company's internal FIFO valuation against the
// ground-truth extract by EAN and computes per-row and aggregate deltas.
// Re-running on the same inputs yields identical comparisons.
func (e *Engine) RunComparison(ctx context.Context, company string, rows []ExtractRow, date time.Time) (*ReconciliationReport, error) {
	if err := ValidateCompany(company); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrEmptyExtract
	}
	for _, row := range rows {
		if err := ValidateExtractRow(row); err != nil {
			return nil, err
		}
	}

	valuation, err := e.CalculateValuation(ctx, company, ValuationOptions{})
	if err != nil {
		return nil, err
	}

	e.metrics.ComparisonRuns.Inc()

	report := &ReconciliationReport{
		RunID:       NewRunID(),
		Company:     company,
		Date:        date,
		GeneratedAt: time.Now().UTC(),
		Summary: ReconciliationSummary{
			MatchedValue:      decimal.Zero,
			InternalOnlyValue: decimal.Zero,
			ExternalOnlyValue: decimal.Zero,
			TotalValueDelta:   decimal.Zero,
		},
	}

	internal, skipped := flattenInternal(valuation)
	report.Summary.SkippedNoEAN = skipped

	// Duplicate EANs in the extract merge by summed quantity and value.
	external := make(map[string]ExtractRow)
	externalValue := make(map[string]decimal.Decimal)
	externalOrder := make([]string, 0, len(rows))
	for _, row := range rows {
		if prev, ok := external[row.EAN]; ok {
			prev.Quantity += row.Quantity
			external[row.EAN] = prev
			externalValue[row.EAN] = externalValue[row.EAN].Add(row.Value())
			continue
		}
		external[row.EAN] = row
		externalValue[row.EAN] = row.Value()
		externalOrder = append(externalOrder, row.EAN)
	}

	matchedEANs := make(map[string]bool)
	for ean, in := range internal {
		ext, ok := external[ean]
		if !ok {
			row := ReconciliationRow{
				EAN:              ean,
				Variant:          in.variant,
				Size:             in.size,
				InternalQuantity: in.quantity,
				InternalValue:    in.value,
				QuantityDelta:    in.quantity,
				ValueDelta:       in.value,
			}
			report.InternalOnly = append(report.InternalOnly, row)
			report.Summary.InternalOnlyCount++
			report.Summary.InternalOnlyValue = report.Summary.InternalOnlyValue.Add(in.value)
			continue
		}

		matchedEANs[ean] = true
		extValue := externalValue[ean]
		row := ReconciliationRow{
			EAN:              ean,
			Variant:          in.variant,
			Size:             in.size,
			InternalQuantity: in.quantity,
			InternalValue:    in.value,
			ExternalQuantity: ext.Quantity,
			ExternalValue:    extValue,
			QuantityDelta:    in.quantity - ext.Quantity,
			ValueDelta:       in.value.Sub(extValue),
		}
		row.ValueDeltaPercent = valueDeltaPercent(row.ValueDelta, extValue)
		row.Reason = classifyReason(row.QuantityDelta, row.ValueDelta)

		report.Comparisons = append(report.Comparisons, row)
		report.Summary.MatchedCount++
		report.Summary.MatchedValue = report.Summary.MatchedValue.Add(in.value)
		report.Summary.TotalQuantityDelta += row.QuantityDelta
		report.Summary.TotalValueDelta = report.Summary.TotalValueDelta.Add(row.ValueDelta)
	}

	for _, ean := range externalOrder {
		if matchedEANs[ean] {
			continue
		}
		ext := external[ean]
		extValue := externalValue[ean]
		row := ReconciliationRow{
			EAN:              ean,
			Variant:          ext.Variant,
			Size:             ext.Size,
			ExternalQuantity: ext.Quantity,
			ExternalValue:    extValue,
			QuantityDelta:    -ext.Quantity,
			ValueDelta:       extValue.Neg(),
		}
		report.ExternalOnly = append(report.ExternalOnly, row)
		report.Summary.ExternalOnlyCount++
		report.Summary.ExternalOnlyValue = report.Summary.ExternalOnlyValue.Add(extValue)
	}

	// Largest discrepancies first; EAN breaks ties deterministically.
	sort.SliceStable(report.Comparisons, func(i, j int) bool {
		a, b := report.Comparisons[i].ValueDelta.Abs(), report.Comparisons[j].ValueDelta.Abs()
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		return report.Comparisons[i].EAN < report.Comparisons[j].EAN
	})
	sort.Slice(report.InternalOnly, func(i, j int) bool {
		return report.InternalOnly[i].EAN < report.InternalOnly[j].EAN
	})
	sort.Slice(report.ExternalOnly, func(i, j int) bool {
		return report.ExternalOnly[i].EAN < report.ExternalOnly[j].EAN
	})

	e.logger.Info("reconciliation run complete",
		zap.String("company", company),
		zap.String("run_id", report.RunID),
		zap.Int("matched", report.Summary.MatchedCount),
		zap.Int("internal_only", report.Summary.InternalOnlyCount),
		zap.Int("external_only", report.Summary.ExternalOnlyCount),
		zap.Int("skipped_no_ean", report.Summary.SkippedNoEAN),
		zap.String("total_value_delta", formatMoney(report.Summary.TotalValueDelta)),
	)

	return report, nil
}

// GenerateReport renders the engine's side of a comparison in the same
// tabular shape as the input extract, so the output can be fed back
// through ParseExtract for round-trip auditing.
func (e *Engine) GenerateReport(report *ReconciliationReport) string {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	w.Comma = '\t'

	_ = w.Write(extractHeader)
	write := func(row ReconciliationRow) {
		unitCost := decimal.Zero
		if row.InternalQuantity > 0 {
			unitCost = row.InternalValue.Div(decimal.NewFromInt(row.InternalQuantity))
		}
		_ = w.Write([]string{
			row.EAN,
			row.Variant,
			row.Size,
			formatInt(row.InternalQuantity),
			unitCost.StringFixed(2),
		})
	}
	for _, row := range report.Comparisons {
		write(row)
	}
	for _, row := range report.InternalOnly {
		write(row)
	}
	w.Flush()

	return sb.String()
}

// flattenInternal turns a valuation report into EAN-keyed rows. Sizes
// without an EAN cannot participate in cross-system matching; their
// count is returned so the omission stays visible.
func flattenInternal(valuation *ValuationReport) (map[string]internalRow, int) {
	internal := make(map[string]internalRow)
	skipped := 0
	for _, product := range valuation.Products {
		for _, variant := range product.Variants {
			for _, size := range variant.Sizes {
				if size.EAN == "" {
					skipped++
					continue
				}
				row, ok := internal[size.EAN]
				if !ok {
					row = internalRow{
						ean:     size.EAN,
						variant: variant.VariantName,
						size:    size.SizeLabel,
						value:   decimal.Zero,
					}
				}
				row.quantity += size.Quantity
				row.value = row.value.Add(size.Value)
				internal[size.EAN] = row
			}
		}
	}
	return internal, skipped
}

// valueDeltaPercent is delta/external × 100, defined as zero when the
// external value is zero.
func valueDeltaPercent(delta, external decimal.Decimal) decimal.Decimal {
	if external.IsZero() {
		return decimal.Zero
	}
	return delta.Div(external).Mul(decimal.NewFromInt(100))
}

// classifyReason labels a matched row: any quantity delta is a quantity
// mismatch; a value delta at equal quantities is a cost mismatch.
func classifyReason(quantityDelta int64, valueDelta decimal.Decimal) MatchReason {
	if quantityDelta != 0 {
		return ReasonQuantityMismatch
	}
	if !valueDelta.IsZero() {
		return ReasonCostMismatch
	}
	return ReasonNoDiscrepancy
}

func isBlankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

// isExtractHeader detects a header row by a non-numeric quantity column.
func isExtractHeader(record []string) bool {
	if len(record) < 5 {
		return false
	}
	_, err := strconv.ParseInt(strings.TrimSpace(record[3]), 10, 64)
	return err != nil
}

// parseDecimal parses a money field accepting "," as decimal separator.
func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, ",", ".")
	return decimal.NewFromString(s)
}
