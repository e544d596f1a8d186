package orders

import (
	"encoding/json"
	"time"
)

const (
	EventIngredientRequest = "IngredientRequest"
	EventIngredientReady   = "IngredientReady"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "kitchen"
	CorrelationID string          `json:"correlation_id,omitempty"` // biasanya order_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- Payload tipe per event ----

type IngredientRequestPayload struct {
	RequestID      string         `json:"requestId"`
	OrderID        int64          `json:"orderId"`
	RecipeSnapshot map[string]int `json:"recipeSnapshot"`
}

type IngredientReadyPayload struct {
	RequestID            string         `json:"requestId"`
	OrderID              int64          `json:"orderId"`
	AvailableIngredients map[string]int `json:"availableIngredients"`
}
