package domain

import (
	"context"
	"errors"

	"gorm.io/datatypes"
)

// TotalTolerance is the accepted drift between a declared total and the
// recomputed one before a discrepancy note is recorded.
const TotalTolerance = 0.01

var (
	ErrCheckNotFound = errors.New("check_not_found")
	ErrItemNotFound  = errors.New("item_not_found")
	ErrNotMember     = errors.New("not_a_member")
	ErrNotAuthor     = errors.New("not_the_author")
	ErrValidation    = errors.New("validation_error")
)

// ItemData is the client-supplied shape of a line item. Quantity may be
// fractional; persistence folds fractions into the name and rounds up.
type ItemData struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Sum      float64 `json:"sum"`
}

// CreateCheckRequest creates a check with an optional initial item set,
// e.g. from a recognized receipt.
type CreateCheckRequest struct {
	Name          string
	AuthorID      int64
	Currency      string
	Restaurant    datatypes.JSONMap
	Items         []ItemData
	ServiceCharge *Adjustment
	VAT           *Adjustment
	Discount      *Adjustment

	// DeclaredTotal is the total printed on the source receipt, if any.
	// A mismatch beyond TotalTolerance is recorded, never rejected.
	DeclaredTotal *float64
}

// CheckView is the denormalized read model cached in the fast store.
type CheckView struct {
	Check      Check           `json:"check"`
	Items      []CheckItem     `json:"items"`
	Members    []int64         `json:"members"`
	Selections []UserSelection `json:"selections"`
}

// Service owns every mutation of checks, items, associations and
// selections. Each mutating call runs one database transaction and then
// refreshes the cached view.
type Service interface {
	Create(ctx context.Context, req CreateCheckRequest) (CheckView, error)
	Get(ctx context.Context, checkID string) (CheckView, error)
	Delete(ctx context.Context, checkID string, userID int64) error
	Rename(ctx context.Context, checkID, name string) (CheckView, error)
	SetStatus(ctx context.Context, checkID string, status CheckStatus) (CheckView, error)

	AddItem(ctx context.Context, checkID string, data ItemData) (CheckItem, CheckView, error)
	EditItem(ctx context.Context, checkID string, itemID int, data ItemData) (CheckItem, CheckView, error)
	DeleteItem(ctx context.Context, checkID string, itemID int) (CheckView, error)

	Join(ctx context.Context, checkID string, userID int64) (CheckView, error)
	Leave(ctx context.Context, checkID string, userID int64) error
	Members(ctx context.Context, checkID string) ([]int64, error)

	SelectItems(ctx context.Context, checkID string, userID int64, items []SelectedItem) (CheckView, error)

	// SplitItem folds one item's claimed share into the user's stored
	// selection: quantity zero drops the item, anything else replaces it.
	// The merge happens inside the mutation transaction so concurrent
	// splits by the same user cannot clobber each other.
	SplitItem(ctx context.Context, checkID string, userID int64, itemID, quantity int) (CheckView, error)
}
