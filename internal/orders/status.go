package orders

type Status string

const (
	StatusPending            Status = "pending"
	StatusWaitingIngredients Status = "waiting_ingredients"
	StatusPreparing          Status = "preparing"
	StatusCompleted          Status = "completed"
	StatusCancelled          Status = "cancelled"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:            {StatusWaitingIngredients: true, StatusPreparing: true, StatusCancelled: true},
	StatusWaitingIngredients: {StatusPreparing: true, StatusCancelled: true},
	StatusPreparing:          {StatusCompleted: true},
	StatusCompleted:          {},
	StatusCancelled:          {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}
