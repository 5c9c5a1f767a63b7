package valuation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockLedger is a DeliveryLedger mock for tests
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) FetchDeliveries(ctx context.Context, company, productNumber string) ([]DeliveryLine, error) {
	args := m.Called(ctx, company, productNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]DeliveryLine), args.Error(1)
}

// MockSnapshots is a StockSnapshots mock for tests
type MockSnapshots struct {
	mock.Mock
}

func (m *MockSnapshots) FetchStock(ctx context.Context, company string) ([]StockObservation, error) {
	args := m.Called(ctx, company)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]StockObservation), args.Error(1)
}

func (m *MockSnapshots) FetchStockHistory(ctx context.Context, company, productNumber string, windowDays int) ([]StockObservation, error) {
	args := m.Called(ctx, company, productNumber, windowDays)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]StockObservation), args.Error(1)
}

// MockPos is a PosBalances mock for tests
type MockPos struct {
	mock.Mock
}

func (m *MockPos) FetchBalances(ctx context.Context, company string) (map[string]int64, error) {
	args := m.Called(ctx, company)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int64), args.Error(1)
}

func strPtr(s string) *string {
	return &s
}

// testFixture is a two-size dataset with two cost layers on one size.
func testFixture() ([]DeliveryLine, []StockObservation) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	deliveries := []DeliveryLine{
		{
			ID: "d-1", CreatedAt: base,
			ProductNumber: "TEE-001",
			VariantID:     "v-black", VariantNumber: "TEE-001-BLK", VariantName: "Black Tee",
			SizeNumber: strPtr("38"),
			Quantity:   10, UnitCost: decimal.NewFromInt(90),
		},
		{
			ID: "d-2", CreatedAt: base.AddDate(0, 1, 0),
			ProductNumber: "TEE-001",
			VariantID:     "v-black", VariantNumber: "TEE-001-BLK", VariantName: "Black Tee",
			SizeNumber: strPtr("38"),
			Quantity:   10, UnitCost: decimal.NewFromInt(110),
		},
		{
			ID: "d-3", CreatedAt: base,
			ProductNumber: "TEE-001",
			VariantID:     "v-black", VariantNumber: "TEE-001-BLK", VariantName: "Black Tee",
			SizeNumber: strPtr("40"),
			Quantity:   6, UnitCost: decimal.NewFromInt(95),
		},
	}

	observations := []StockObservation{
		{
			ProductNumber: "TEE-001", VariantID: "v-black", SizeNumber: strPtr("38"),
			PhysicalQuantity: 12, ObservedAt: base.AddDate(0, 2, 0), EAN: "7310000000017",
		},
		{
			ProductNumber: "TEE-001", VariantID: "v-black", SizeNumber: strPtr("40"),
			PhysicalQuantity: 6, ObservedAt: base.AddDate(0, 2, 0), EAN: "7310000000024",
		},
	}

	return deliveries, observations
}

func newTestEngine(ledger DeliveryLedger, snapshots StockSnapshots, pos PosBalances) *Engine {
	return NewEngine(ledger, snapshots, pos, zap.NewNop(), nil, nil)
}

func TestEngine_CalculateValuation(t *testing.T) {
	deliveries, observations := testFixture()

	ledger := new(MockLedger)
	snapshots := new(MockSnapshots)
	ledger.On("FetchDeliveries", mock.Anything, "acme", "").Return(deliveries, nil)
	snapshots.On("FetchStock", mock.Anything, "acme").Return(observations, nil)

	engine := newTestEngine(ledger, snapshots, nil)
	report, err := engine.CalculateValuation(context.Background(), "acme", ValuationOptions{})
	require.NoError(t, err)

	assert.Equal(t, "acme", report.Company)
	assert.NotEmpty(t, report.RunID)
	assert.Empty(t, report.Failures)

	require.Len(t, report.Products, 1)
	product := report.Products[0]
	assert.Equal(t, "TEE-001", product.ProductNumber)
	assert.Equal(t, int64(18), product.Quantity)

	// size 38: 2×90 + 10×110 = 1280; size 40: 6×95 = 570
	expectedValue := decimal.NewFromInt(1850)
	assert.True(t, product.Value.Equal(expectedValue), "value was %s", product.Value)

	// Weighted cost is value over quantity, not a mean of per-size costs.
	expectedCost := expectedValue.Div(decimal.NewFromInt(18))
	assert.True(t, product.WeightedUnitCost.Equal(expectedCost))

	require.Len(t, product.Variants, 1)
	variant := product.Variants[0]
	assert.Equal(t, "Black Tee", variant.VariantName)
	require.Len(t, variant.Sizes, 2)
	assert.Equal(t, "38", variant.Sizes[0].SizeLabel)
	assert.Equal(t, "40", variant.Sizes[1].SizeLabel)
	assert.Equal(t, "7310000000017", variant.Sizes[0].EAN)

	// Each size row carries its remaining cost-layer breakdown.
	require.Len(t, variant.Sizes[0].Layers, 2)
	assert.Equal(t, int64(2), variant.Sizes[0].Layers[0].Quantity)
	assert.Equal(t, int64(10), variant.Sizes[0].Layers[1].Quantity)
	require.Len(t, variant.Sizes[1].Layers, 1)
	assert.Equal(t, int64(6), variant.Sizes[1].Layers[0].Quantity)

	assert.Equal(t, int64(18), report.Summary.TotalQuantity)
	assert.True(t, report.Summary.TotalValue.Equal(expectedValue))
	assert.Equal(t, 1, report.Summary.ProductCount)
	assert.Equal(t, 2, report.Summary.SizeCount)
	assert.Equal(t, 0, report.Summary.InconsistentSizes)
	assert.False(t, report.Summary.PosDegraded)

	ledger.AssertExpectations(t)
	snapshots.AssertExpectations(t)
}

func TestEngine_CalculateValuation_CompanyRequired(t *testing.T) {
	engine := newTestEngine(new(MockLedger), new(MockSnapshots), nil)

	_, err := engine.CalculateValuation(context.Background(), "", ValuationOptions{})
	assert.True(t, errors.Is(err, ErrCompanyRequired))
}

func TestEngine_CalculateValuation_ProductNotFound(t *testing.T) {
	ledger := new(MockLedger)
	snapshots := new(MockSnapshots)
	ledger.On("FetchDeliveries", mock.Anything, "acme", "NOPE-999").Return([]DeliveryLine{}, nil)
	snapshots.On("FetchStock", mock.Anything, "acme").Return([]StockObservation{}, nil)

	engine := newTestEngine(ledger, snapshots, nil)
	_, err := engine.CalculateValuation(context.Background(), "acme", ValuationOptions{ProductNumber: "NOPE-999"})
	assert.True(t, errors.Is(err, ErrProductNotFound))
}

func TestEngine_CalculateValuation_LedgerFailure(t *testing.T) {
	ledger := new(MockLedger)
	snapshots := new(MockSnapshots)
	ledger.On("FetchDeliveries", mock.Anything, "acme", "").Return(nil, errors.New("connection refused"))
	snapshots.On("FetchStock", mock.Anything, "acme").Return([]StockObservation{}, nil).Maybe()

	engine := newTestEngine(ledger, snapshots, nil)
	_, err := engine.CalculateValuation(context.Background(), "acme", ValuationOptions{})
	require.Error(t, err)

	var sourceErr *SourceError
	require.True(t, errors.As(err, &sourceErr))
	assert.Equal(t, "fetch_deliveries", sourceErr.Operation)
}

func TestEngine_CalculateValuation_PosDegrades(t *testing.T) {
	deliveries, observations := testFixture()

	ledger := new(MockLedger)
	snapshots := new(MockSnapshots)
	pos := new(MockPos)
	ledger.On("FetchDeliveries", mock.Anything, "acme", "").Return(deliveries, nil)
	snapshots.On("FetchStock", mock.Anything, "acme").Return(observations, nil)
	pos.On("FetchBalances", mock.Anything, "acme").Return(nil, errors.New("pos timeout"))

	engine := newTestEngine(ledger, snapshots, pos)
	report, err := engine.CalculateValuation(context.Background(), "acme", ValuationOptions{IncludePosBalances: true})
	require.NoError(t, err)

	// A failed POS fetch never fails the run; the report carries the
	// degradation and no balance overlays.
	assert.True(t, report.Summary.PosDegraded)
	for _, size := range report.Products[0].Variants[0].Sizes {
		assert.Nil(t, size.PosQuantity)
	}
}

func TestEngine_CalculateValuation_PosOverlay(t *testing.T) {
	deliveries, observations := testFixture()

	ledger := new(MockLedger)
	snapshots := new(MockSnapshots)
	pos := new(MockPos)
	ledger.On("FetchDeliveries", mock.Anything, "acme", "").Return(deliveries, nil)
	snapshots.On("FetchStock", mock.Anything, "acme").Return(observations, nil)
	pos.On("FetchBalances", mock.Anything, "acme").Return(map[string]int64{
		"7310000000017": 11,
	}, nil)

	engine := newTestEngine(ledger, snapshots, pos)
	report, err := engine.CalculateValuation(context.Background(), "acme", ValuationOptions{IncludePosBalances: true})
	require.NoError(t, err)

	assert.False(t, report.Summary.PosDegraded)
	sizes := report.Products[0].Variants[0].Sizes
	require.NotNil(t, sizes[0].PosQuantity)
	assert.Equal(t, int64(11), *sizes[0].PosQuantity)
	assert.Nil(t, sizes[1].PosQuantity, "EAN without a POS balance stays bare")

	// The overlay is informational; FIFO figures do not move.
	assert.Equal(t, int64(12), sizes[0].Quantity)
}

func TestEngine_CalculateValuation_PosNotConfigured(t *testing.T) {
	deliveries, observations := testFixture()

	ledger := new(MockLedger)
	snapshots := new(MockSnapshots)
	ledger.On("FetchDeliveries", mock.Anything, "acme", "").Return(deliveries, nil)
	snapshots.On("FetchStock", mock.Anything, "acme").Return(observations, nil)

	engine := newTestEngine(ledger, snapshots, nil)
	report, err := engine.CalculateValuation(context.Background(), "acme", ValuationOptions{IncludePosBalances: true})
	require.NoError(t, err)
	assert.False(t, report.Summary.PosDegraded)
}

func TestEngine_CalculateValuation_SizeFailureIsolated(t *testing.T) {
	deliveries, observations := testFixture()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	// A corrupt zero-quantity line fails its own size only.
	deliveries = append(deliveries, DeliveryLine{
		ID: "d-bad", CreatedAt: base,
		ProductNumber: "TEE-001",
		VariantID:     "v-white", VariantNumber: "TEE-001-WHT", VariantName: "White Tee",
		SizeNumber: strPtr("38"),
		Quantity:   0, UnitCost: decimal.NewFromInt(90),
	})

	ledger := new(MockLedger)
	snapshots := new(MockSnapshots)
	ledger.On("FetchDeliveries", mock.Anything, "acme", "").Return(deliveries, nil)
	snapshots.On("FetchStock", mock.Anything, "acme").Return(observations, nil)

	engine := newTestEngine(ledger, snapshots, nil)
	report, err := engine.CalculateValuation(context.Background(), "acme", ValuationOptions{})
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, SizeKey{VariantID: "v-white", SizeNumber: "38"}, report.Failures[0].Key)
	assert.Equal(t, 1, report.Summary.FailedSizes)

	// Healthy sizes still valued.
	assert.Equal(t, 2, report.Summary.SizeCount)
	assert.True(t, report.Summary.TotalValue.Equal(decimal.NewFromInt(1850)))
}

func TestEngine_CalculateValuation_InconsistentSizeCounted(t *testing.T) {
	deliveries, observations := testFixture()
	observations[1].PhysicalQuantity = 50 // more than ever delivered

	ledger := new(MockLedger)
	snapshots := new(MockSnapshots)
	ledger.On("FetchDeliveries", mock.Anything, "acme", "").Return(deliveries, nil)
	snapshots.On("FetchStock", mock.Anything, "acme").Return(observations, nil)

	engine := newTestEngine(ledger, snapshots, nil)
	report, err := engine.CalculateValuation(context.Background(), "acme", ValuationOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Summary.InconsistentSizes)
	sizes := report.Products[0].Variants[0].Sizes
	assert.False(t, sizes[0].Inconsistent)
	assert.True(t, sizes[1].Inconsistent)
	assert.Equal(t, int64(6), sizes[1].Quantity, "all delivered quantity remains as layers")
}

func TestEngine_CalculateValuation_StockWithoutDeliveries(t *testing.T) {
	_, observations := testFixture()

	ledger := new(MockLedger)
	snapshots := new(MockSnapshots)
	ledger.On("FetchDeliveries", mock.Anything, "acme", "").Return([]DeliveryLine{}, nil)
	snapshots.On("FetchStock", mock.Anything, "acme").Return(observations, nil)

	engine := newTestEngine(ledger, snapshots, nil)
	report, err := engine.CalculateValuation(context.Background(), "acme", ValuationOptions{})
	require.NoError(t, err)

	// Observed stock with no purchase trail values to zero and is
	// flagged, never invented at some guessed cost.
	assert.Equal(t, 2, report.Summary.SizeCount)
	assert.Equal(t, 2, report.Summary.InconsistentSizes)
	assert.True(t, report.Summary.TotalValue.IsZero())
}

func TestEngine_CalculateValuation_Deterministic(t *testing.T) {
	deliveries, observations := testFixture()

	ledger := new(MockLedger)
	snapshots := new(MockSnapshots)
	ledger.On("FetchDeliveries", mock.Anything, "acme", "").Return(deliveries, nil)
	snapshots.On("FetchStock", mock.Anything, "acme").Return(observations, nil)

	engine := newTestEngine(ledger, snapshots, nil)

	first, err := engine.CalculateValuation(context.Background(), "acme", ValuationOptions{})
	require.NoError(t, err)
	second, err := engine.CalculateValuation(context.Background(), "acme", ValuationOptions{})
	require.NoError(t, err)

	// Identical inputs give identical hierarchies; only run identity
	// differs.
	assert.Equal(t, first.Products, second.Products)
	assert.Equal(t, first.Summary, second.Summary)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestEngine_CalculateValuation_SizelessProduct(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	deliveries := []DeliveryLine{
		{
			ID: "d-1", CreatedAt: base,
			ProductNumber: "BAG-001",
			VariantID:     "v-bag", VariantNumber: "BAG-001-STD", VariantName: "Tote Bag",
			SizeNumber: nil,
			Quantity:   5, UnitCost: decimal.NewFromInt(200),
		},
	}
	empty := ""
	observations := []StockObservation{
		{
			ProductNumber: "BAG-001", VariantID: "v-bag", SizeNumber: &empty,
			PhysicalQuantity: 3, ObservedAt: base.AddDate(0, 1, 0), EAN: "7310000000099",
		},
	}

	ledger := new(MockLedger)
	snapshots := new(MockSnapshots)
	ledger.On("FetchDeliveries", mock.Anything, "acme", "").Return(deliveries, nil)
	snapshots.On("FetchStock", mock.Anything, "acme").Return(observations, nil)

	engine := newTestEngine(ledger, snapshots, nil)
	report, err := engine.CalculateValuation(context.Background(), "acme", ValuationOptions{})
	require.NoError(t, err)

	// nil and "" size numbers are the same size; the pair joins into
	// one valued row.
	require.Equal(t, 1, report.Summary.SizeCount)
	size := report.Products[0].Variants[0].Sizes[0]
	assert.Equal(t, "ONE SIZE", size.SizeLabel)
	assert.Equal(t, int64(3), size.Quantity)
	assert.True(t, size.Value.Equal(decimal.NewFromInt(600)))
}
