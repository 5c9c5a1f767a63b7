// Package storage provides read-only reader implementations over the
// external systems of record. The engine never writes through these.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/stocklens/stocklens/pkg/valuation"
)

// PostgresReaders implements the DeliveryLedger and StockSnapshots
// interfaces over the replicated ledger/snapshot database.
type PostgresReaders struct {
	db     *sql.DB
	logger *zap.Logger
}

var (
	_ valuation.DeliveryLedger = (*PostgresReaders)(nil)
	_ valuation.StockSnapshots = (*PostgresReaders)(nil)
)

// NewPostgresReaders opens a connection pool against the given DSN and
// verifies it with a ping.
func NewPostgresReaders(dsn string, logger *zap.Logger) (*PostgresReaders, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresReaders{
		db:     db,
		logger: logger,
	}, nil
}

// FetchDeliveries returns all purchase-order delivery line items for the
// company, oldest first. productNumber narrows the fetch; "" returns
// everything.
func (r *PostgresReaders) FetchDeliveries(ctx context.Context, company, productNumber string) ([]valuation.DeliveryLine, error) {
	query := `
		SELECT id, created_at, product_number, variant_id, variant_number,
		       variant_name, size_number, quantity, unit_cost,
		       supplier_name, purchase_order_id
		FROM purchase_deliveries
		WHERE company = $1`
	args := []interface{}{company}

	if productNumber != "" {
		query += ` AND product_number = $2`
		args = append(args, productNumber)
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []valuation.DeliveryLine
	for rows.Next() {
		var (
			d          valuation.DeliveryLine
			sizeNumber sql.NullString
		)
		if err := rows.Scan(
			&d.ID,
			&d.CreatedAt,
			&d.ProductNumber,
			&d.VariantID,
			&d.VariantNumber,
			&d.VariantName,
			&sizeNumber,
			&d.Quantity,
			&d.UnitCost,
			&d.SupplierName,
			&d.PurchaseOrderID,
		); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if sizeNumber.Valid {
			s := sizeNumber.String
			d.SizeNumber = &s
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}

	r.logger.Debug("deliveries fetched",
		zap.String("company", company),
		zap.String("product_number", productNumber),
		zap.Int("count", len(deliveries)),
	)

	return deliveries, nil
}

// FetchStock returns the most recent observation per size for the
// company.
func (r *PostgresReaders) FetchStock(ctx context.Context, company string) ([]valuation.StockObservation, error) {
	query := `
		SELECT DISTINCT ON (variant_id, COALESCE(size_number, ''))
		       product_number, variant_id, size_number, physical_quantity,
		       observed_at, COALESCE(ean, '')
		FROM stock_observations
		WHERE company = $1
		ORDER BY variant_id, COALESCE(size_number, ''), observed_at DESC`

	return r.queryObservations(ctx, query, company)
}

// FetchStockHistory returns the observation time series for one
// product, oldest first. windowDays limits the series; 0 returns the
// full history.
func (r *PostgresReaders) FetchStockHistory(ctx context.Context, company, productNumber string, windowDays int) ([]valuation.StockObservation, error) {
	query := `
		SELECT product_number, variant_id, size_number, physical_quantity,
		       observed_at, COALESCE(ean, '')
		FROM stock_observations
		WHERE company = $1 AND product_number = $2`
	args := []interface{}{company, productNumber}

	if windowDays > 0 {
		query += ` AND observed_at >= CURRENT_DATE - $3::int`
		args = append(args, windowDays)
	}
	query += ` ORDER BY observed_at, variant_id, COALESCE(size_number, '')`

	return r.queryObservations(ctx, query, args...)
}

func (r *PostgresReaders) queryObservations(ctx context.Context, query string, args ...interface{}) ([]valuation.StockObservation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var observations []valuation.StockObservation
	for rows.Next() {
		var (
			o          valuation.StockObservation
			sizeNumber sql.NullString
		)
		if err := rows.Scan(
			&o.ProductNumber,
			&o.VariantID,
			&sizeNumber,
			&o.PhysicalQuantity,
			&o.ObservedAt,
			&o.EAN,
		); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		if sizeNumber.Valid {
			s := sizeNumber.String
			o.SizeNumber = &s
		}
		observations = append(observations, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observations: %w", err)
	}

	return observations, nil
}

// Ping checks database connectivity.
func (r *PostgresReaders) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases the connection pool.
func (r *PostgresReaders) Close() error {
	return r.db.Close()
}
