// Package stock is the durable ingredient ledger. All mutation happens
// inside one transaction per reservation attempt, under per-row exclusive
// locks, so concurrent attempts on the same ingredient serialize.
package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ovenbird/go-restaurant-pantry/internal/orders"
)

type Ledger struct{ DB *pgxpool.Pool }

func (l *Ledger) Begin(ctx context.Context) (*Tx, error) {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Tx scopes one reservation attempt.
type Tx struct{ tx pgx.Tx }

// LockQuantity takes the row lock for ingredient and returns its quantity,
// inserting a zero row first if the ingredient has never been stocked. The
// lock is held until Commit or Rollback.
func (t *Tx) LockQuantity(ctx context.Context, ingredient string) (int, error) {
	var qty int
	err := t.tx.QueryRow(ctx, `SELECT quantity FROM stock WHERE name=$1 FOR UPDATE`, ingredient).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO stock(name, quantity) VALUES ($1, 0)
			ON CONFLICT (name) DO NOTHING`, ingredient); err != nil {
			return 0, err
		}
		// re-read under the lock; the conflicting insert may have won
		err = t.tx.QueryRow(ctx, `SELECT quantity FROM stock WHERE name=$1 FOR UPDATE`, ingredient).Scan(&qty)
	}
	return qty, err
}

func (t *Tx) AddQuantity(ctx context.Context, ingredient string, qty int) error {
	_, err := t.tx.Exec(ctx, `UPDATE stock SET quantity = quantity + $2, updated_at = now() WHERE name=$1`, ingredient, qty)
	return err
}

// Decrement subtracts under the already-held lock. The CHECK constraint on
// quantity is the last line of defense against going negative.
func (t *Tx) Decrement(ctx context.Context, ingredient string, qty int) error {
	ct, err := t.tx.Exec(ctx, `UPDATE stock SET quantity = quantity - $2, updated_at = now() WHERE name=$1`, ingredient, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return errors.New("stock row vanished under lock: " + ingredient)
	}
	return nil
}

func (t *Tx) RecordPurchase(ctx context.Context, p orders.Purchase) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO purchases(ingredient, qty_requested, qty_sold, price_per_unit, total_cost, purchased_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.Ingredient, p.QtyRequested, p.QtySold, p.PricePerUnit, p.TotalCost, p.PurchasedAt)
	return err
}

func (t *Tx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *Tx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// ---- admin surface ----

func (l *Ledger) List(ctx context.Context) ([]orders.StockItem, error) {
	rows, err := l.DB.Query(ctx, `SELECT name, quantity, updated_at FROM stock ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.StockItem
	for rows.Next() {
		var it orders.StockItem
		if err := rows.Scan(&it.Name, &it.Quantity, &it.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (l *Ledger) Upsert(ctx context.Context, ingredient string, qty int) error {
	_, err := l.DB.Exec(ctx, `
		INSERT INTO stock(name, quantity) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()`,
		ingredient, qty)
	return err
}

func (l *Ledger) ListPurchases(ctx context.Context, since time.Time) ([]orders.Purchase, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT id, ingredient, qty_requested, qty_sold, price_per_unit, total_cost, purchased_at
		FROM purchases WHERE purchased_at >= $1 ORDER BY id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Purchase
	for rows.Next() {
		var p orders.Purchase
		if err := rows.Scan(&p.ID, &p.Ingredient, &p.QtyRequested, &p.QtySold, &p.PricePerUnit, &p.TotalCost, &p.PurchasedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
