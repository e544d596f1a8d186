package orders

import "time"

type Recipe struct {
	ID          int64
	Name        string
	Ingredients map[string]int // ingredient name -> quantity per dish
	CookSeconds int
	CreatedAt   time.Time
}

type Order struct {
	ID          int64
	ExternalID  string
	RecipeID    int64
	RecipeName  string
	Ingredients map[string]int // snapshot taken at creation
	CookSeconds int
	Status      Status // lihat status.go
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type StockItem struct {
	Name      string
	Quantity  int
	UpdatedAt time.Time
}

// Purchase is an append-only record of one market buy.
type Purchase struct {
	ID           int64
	Ingredient   string
	QtyRequested int
	QtySold      int
	PricePerUnit float64
	TotalCost    float64
	PurchasedAt  time.Time
}

// Retry tracks the backoff state of one unsatisfied order.
type Retry struct {
	OrderID       int64
	Attempts      int
	NextAttemptAt time.Time
}
