package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

var ErrNotFound = errors.New("not found")

// CreateOrder: idempotent via external_id.
// - jika external_id sudah ada -> return existing order (existed=true).
func (r *Repo) CreateOrder(ctx context.Context, externalID string, recipeID int64) (o Order, existed bool, err error) {
	row := r.DB.QueryRow(ctx, `SELECT id FROM orders WHERE external_id=$1`, externalID)
	var existingID int64
	if err = row.Scan(&existingID); err == nil {
		o, err = r.GetOrder(ctx, existingID)
		return o, true, err
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return Order{}, false, err
	}

	rec, err := r.GetRecipe(ctx, recipeID)
	if err != nil {
		return Order{}, false, fmt.Errorf("recipe %d: %w", recipeID, err)
	}

	snapshot, err := json.Marshal(rec.Ingredients)
	if err != nil {
		return Order{}, false, err
	}
	err = r.DB.QueryRow(ctx, `
		INSERT INTO orders(external_id, recipe_id, recipe_name, ingredients, cook_seconds, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		externalID, rec.ID, rec.Name, snapshot, rec.CookSeconds, StatusPending,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, false, err
	}
	o.ExternalID = externalID
	o.RecipeID = rec.ID
	o.RecipeName = rec.Name
	o.Ingredients = rec.Ingredients
	o.CookSeconds = rec.CookSeconds
	o.Status = StatusPending
	return o, false, nil
}

func (r *Repo) GetOrder(ctx context.Context, orderID int64) (Order, error) {
	var (
		o   Order
		raw []byte
		s   string
	)
	err := r.DB.QueryRow(ctx, `
		SELECT id, external_id, recipe_id, recipe_name, ingredients, cook_seconds, status, created_at, updated_at
		FROM orders WHERE id=$1`, orderID,
	).Scan(&o.ID, &o.ExternalID, &o.RecipeID, &o.RecipeName, &raw, &o.CookSeconds, &s, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(s)
	if err := json.Unmarshal(raw, &o.Ingredients); err != nil {
		return Order{}, fmt.Errorf("decode ingredients: %w", err)
	}
	return o, nil
}

func (r *Repo) GetStatus(ctx context.Context, orderID int64) (Status, error) {
	var s string
	err := r.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, orderID).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return Status(s), nil
}

// SetStatus enforces the transition table; an illegal transition is a no-op
// with ok=false so redelivered events cannot drag a terminal order back.
func (r *Repo) SetStatus(ctx context.Context, orderID int64, to Status) (ok bool, err error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if !CanTransition(Status(cur), to) {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, orderID, to); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (r *Repo) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, external_id, recipe_id, recipe_name, ingredients, cook_seconds, status, created_at, updated_at
		FROM orders ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var (
			o   Order
			raw []byte
			s   string
		)
		if err := rows.Scan(&o.ID, &o.ExternalID, &o.RecipeID, &o.RecipeName, &raw, &o.CookSeconds, &s, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Status = Status(s)
		if err := json.Unmarshal(raw, &o.Ingredients); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *Repo) CreateRecipe(ctx context.Context, rec Recipe) (Recipe, error) {
	raw, err := json.Marshal(rec.Ingredients)
	if err != nil {
		return Recipe{}, err
	}
	err = r.DB.QueryRow(ctx, `
		INSERT INTO recipes(name, ingredients, cook_seconds)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		rec.Name, raw, rec.CookSeconds,
	).Scan(&rec.ID, &rec.CreatedAt)
	return rec, err
}

func (r *Repo) GetRecipe(ctx context.Context, recipeID int64) (Recipe, error) {
	var (
		rec Recipe
		raw []byte
	)
	err := r.DB.QueryRow(ctx, `SELECT id, name, ingredients, cook_seconds, created_at FROM recipes WHERE id=$1`, recipeID).
		Scan(&rec.ID, &rec.Name, &raw, &rec.CookSeconds, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Recipe{}, ErrNotFound
	}
	if err != nil {
		return Recipe{}, err
	}
	if err := json.Unmarshal(raw, &rec.Ingredients); err != nil {
		return Recipe{}, fmt.Errorf("decode ingredients: %w", err)
	}
	return rec, nil
}

func (r *Repo) ListRecipes(ctx context.Context) ([]Recipe, error) {
	rows, err := r.DB.Query(ctx, `SELECT id, name, ingredients, cook_seconds, created_at FROM recipes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recipe
	for rows.Next() {
		var (
			rec Recipe
			raw []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &raw, &rec.CookSeconds, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &rec.Ingredients); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
