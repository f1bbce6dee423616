// Package domain contains persistence models for shared checks.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// CheckStatus represents check lifecycle states.
type CheckStatus string

const (
	CheckStatusOpen  CheckStatus = "OPEN"
	CheckStatusClose CheckStatus = "CLOSE"
)

// Adjustment is an optional monetary sub-structure on a check
// (service charge, VAT, discount). Missing adjustments count as zero.
type Adjustment struct {
	Amount  float64 `json:"amount"`
	Percent float64 `json:"percent,omitempty"`
}

// Check represents a digitized receipt shared among users.
type Check struct {
	ID            string            `gorm:"primaryKey;type:uuid" json:"id"`
	Name          string            `gorm:"type:text;not null" json:"name"`
	Status        CheckStatus       `gorm:"type:text;not null;default:'OPEN'" json:"status"`
	AuthorID      *int64            `gorm:"index" json:"author_id"`
	Restaurant    datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"restaurant"`
	Subtotal      float64           `gorm:"not null;default:0" json:"subtotal"`
	Total         float64           `gorm:"not null;default:0" json:"total"`
	Currency      string            `gorm:"type:text;not null;default:'RUB'" json:"currency"`
	ServiceCharge *Adjustment       `gorm:"type:jsonb;serializer:json" json:"service_charge,omitempty"`
	VAT           *Adjustment       `gorm:"type:jsonb;serializer:json" json:"vat,omitempty"`
	Discount      *Adjustment       `gorm:"type:jsonb;serializer:json" json:"discount,omitempty"`
	Comment       string            `gorm:"type:text" json:"comment,omitempty"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Items []CheckItem `gorm:"foreignKey:CheckID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
}

// TableName sets the database table name.
func (Check) TableName() string { return "checks" }

// CheckItem is a single line on a check. ItemID is unique within its check,
// not globally. Sum is the line total; unit price is derived for display.
type CheckItem struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	CheckID   string    `gorm:"type:uuid;not null;uniqueIndex:ux_check_item" json:"-"`
	ItemID    int       `gorm:"not null;uniqueIndex:ux_check_item" json:"item_id"`
	Name      string    `gorm:"type:text;not null" json:"name"`
	Quantity  int       `gorm:"not null" json:"quantity"`
	Sum       float64   `gorm:"not null" json:"sum"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"-"`
}

// TableName sets the database table name.
func (CheckItem) TableName() string { return "check_items" }

// UserCheck links a user to a check. The association set is the fan-out
// audience for the check's events.
type UserCheck struct {
	UserID   int64     `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	CheckID  string    `gorm:"primaryKey;type:uuid" json:"check_id"`
	JoinedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"joined_at"`
}

// TableName sets the database table name.
func (UserCheck) TableName() string { return "user_checks" }

// SelectedItem is one entry of a user's selection.
type SelectedItem struct {
	ItemID   int `json:"item_id"`
	Quantity int `json:"quantity"`
}

// UserSelection holds the items a user picked for bill splitting, one row
// per (user, check). Selections never reference deleted item ids.
type UserSelection struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID    int64          `gorm:"not null;uniqueIndex:ux_user_selection" json:"user_id"`
	CheckID   string         `gorm:"type:uuid;not null;uniqueIndex:ux_user_selection" json:"check_id"`
	Items     []SelectedItem `gorm:"type:jsonb;serializer:json" json:"items"`
	UpdatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (UserSelection) TableName() string { return "user_selections" }
