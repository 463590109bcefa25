package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const purchaseColumns = `
        tx_id,
        buyer,
        seller,
        asset_id,
        price::text,
        settlement_amount::text,
        collection,
        source,
        occurred_at,
        status,
        created_at,
        confirmed_at`

const (
	insertPurchaseSQL = `INSERT INTO purchases (
        tx_id,
        buyer,
        asset_id,
        collection,
        source,
        occurred_at,
        status,
        created_at
    ) VALUES (
        $1, $2, $3, $4, $5, $6, 'pending', $7
    )
    ON CONFLICT (tx_id) DO NOTHING
    RETURNING` + purchaseColumns + `;`

	selectPurchaseSQL = `SELECT` + purchaseColumns + `
    FROM purchases
    WHERE tx_id = $1;`

	confirmPurchaseSQL = `UPDATE purchases
    SET seller            = COALESCE($2, seller),
        price             = COALESCE($3::numeric, price),
        settlement_amount = COALESCE($4::numeric, settlement_amount),
        status            = 'confirmed',
        confirmed_at      = $5
    WHERE tx_id = $1 AND status = 'pending'
    RETURNING` + purchaseColumns + `;`

	listPurchasesByStatusSQL = `SELECT` + purchaseColumns + `
    FROM purchases
    WHERE status = $1
    ORDER BY created_at;`
)

// InsertPurchase stores a new pending purchase. When the tx id already exists
// the stored record is returned with created=false.
func (s *Store) InsertPurchase(ctx context.Context, rec PurchaseRecord) (PurchaseRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return PurchaseRecord{}, false, err
	}

	stored, err := scanPurchase(pool.QueryRow(ctx, insertPurchaseSQL,
		rec.TxID,
		rec.Buyer,
		rec.AssetID,
		rec.Collection,
		rec.Source,
		rec.Timestamp,
		rec.CreatedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := s.GetPurchase(ctx, rec.TxID)
		return existing, false, getErr
	}
	if err != nil {
		return PurchaseRecord{}, false, fmt.Errorf("insert purchase: %w", err)
	}
	return stored, true, nil
}

// GetPurchase loads a purchase by transaction id.
func (s *Store) GetPurchase(ctx context.Context, txID string) (PurchaseRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return PurchaseRecord{}, err
	}

	rec, err := scanPurchase(pool.QueryRow(ctx, selectPurchaseSQL, txID))
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseRecord{}, ErrNotFound
	}
	if err != nil {
		return PurchaseRecord{}, fmt.Errorf("get purchase: %w", err)
	}
	return rec, nil
}

// ConfirmPurchase moves a pending purchase to confirmed. A purchase that is
// already confirmed is returned unchanged with updated=false.
func (s *Store) ConfirmPurchase(ctx context.Context, c PurchaseConfirmation) (PurchaseRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return PurchaseRecord{}, false, err
	}

	rec, err := scanPurchase(pool.QueryRow(ctx, confirmPurchaseSQL,
		c.TxID,
		nullableString(c.Seller),
		nullableDecimal(c.Price),
		nullableDecimal(c.SettlementAmount),
		c.ConfirmedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := s.GetPurchase(ctx, c.TxID)
		return existing, false, getErr
	}
	if err != nil {
		return PurchaseRecord{}, false, fmt.Errorf("confirm purchase: %w", err)
	}
	return rec, true, nil
}

// ListPurchasesByStatus lists purchases in one lifecycle state, oldest first.
func (s *Store) ListPurchasesByStatus(ctx context.Context, status PurchaseStatus) ([]PurchaseRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPurchasesByStatusSQL, string(status))
	if queryErr != nil {
		return nil, fmt.Errorf("list purchases: %w", queryErr)
	}
	defer rows.Close()

	records := make([]PurchaseRecord, 0)
	for rows.Next() {
		rec, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanPurchase(row pgx.Row) (PurchaseRecord, error) {
	var (
		rec           PurchaseRecord
		priceStr      *string
		settlementStr *string
		status        string
	)
	if err := row.Scan(
		&rec.TxID,
		&rec.Buyer,
		&rec.Seller,
		&rec.AssetID,
		&priceStr,
		&settlementStr,
		&rec.Collection,
		&rec.Source,
		&rec.Timestamp,
		&status,
		&rec.CreatedAt,
		&rec.ConfirmedAt,
	); err != nil {
		return PurchaseRecord{}, err
	}

	var err error
	if rec.Price, err = parseNullDecimal(priceStr); err != nil {
		return PurchaseRecord{}, fmt.Errorf("parse price: %w", err)
	}
	if rec.SettlementAmount, err = parseNullDecimal(settlementStr); err != nil {
		return PurchaseRecord{}, fmt.Errorf("parse settlement amount: %w", err)
	}
	rec.Status = PurchaseStatus(status)
	return rec, nil
}
