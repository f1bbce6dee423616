// Package tasks defines the asynchronous task payloads and their handlers.
// Every mutation arriving over the queue runs here: the handler applies the
// change through the check service, acknowledges the initiator with a status
// envelope and broadcasts the change to the other participants.
package tasks

import "github.com/splitcheck/splitcheck/internal/check/domain"

// Task type discriminators carried in the envelope "type" field.
const (
	TypeAddItem          = "add_item_task"
	TypeEditItem         = "edit_item_task"
	TypeDeleteItem       = "delete_item_task"
	TypeSplitItem        = "split_item_task"
	TypeJoinCheck        = "join_check_task"
	TypeSelectItems      = "select_items_task"
	TypeRenameCheck      = "rename_check_task"
	TypeCheckStatus      = "check_status_task"
	TypeDeleteCheck      = "delete_check_task"
	TypeRecognizeReceipt = "recognize_receipt_task"
)

// AddItemTask appends a line item to a check.
type AddItemTask struct {
	CheckUUID string          `json:"check_uuid"`
	UserID    int64           `json:"user_id"`
	ItemData  domain.ItemData `json:"item_data"`
}

// EditItemTask replaces a line item's fields.
type EditItemTask struct {
	CheckUUID string          `json:"check_uuid"`
	UserID    int64           `json:"user_id"`
	ItemID    int             `json:"item_id"`
	ItemData  domain.ItemData `json:"item_data"`
}

// DeleteItemTask removes a line item.
type DeleteItemTask struct {
	CheckUUID string `json:"check_uuid"`
	UserID    int64  `json:"user_id"`
	ItemID    int    `json:"item_id"`
}

// SplitItemTask sets the initiator's claimed share of one item.
type SplitItemTask struct {
	CheckUUID string `json:"check_uuid"`
	UserID    int64  `json:"user_id"`
	ItemID    int    `json:"item_id"`
	Quantity  int    `json:"quantity"`
}

// JoinCheckTask attaches the initiator to a check.
type JoinCheckTask struct {
	CheckUUID string `json:"check_uuid"`
	UserID    int64  `json:"user_id"`
}

// SelectItemsTask replaces the initiator's whole selection on a check.
type SelectItemsTask struct {
	CheckUUID string                `json:"check_uuid"`
	UserID    int64                 `json:"user_id"`
	Items     []domain.SelectedItem `json:"items"`
}

// RenameCheckTask renames a check.
type RenameCheckTask struct {
	CheckUUID string `json:"check_uuid"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name"`
}

// CheckStatusTask opens or closes a check.
type CheckStatusTask struct {
	CheckUUID string             `json:"check_uuid"`
	UserID    int64              `json:"user_id"`
	Status    domain.CheckStatus `json:"status"`
}

// DeleteCheckTask deletes a check. Only the author may do this.
type DeleteCheckTask struct {
	CheckUUID string `json:"check_uuid"`
	UserID    int64  `json:"user_id"`
}

// RecognizeReceiptTask runs OCR on a receipt image and creates a check from
// the result. It travels on the recognition queue.
type RecognizeReceiptTask struct {
	UserID   int64  `json:"user_id"`
	ImageRef string `json:"image_ref"`
	Name     string `json:"name,omitempty"`
}
