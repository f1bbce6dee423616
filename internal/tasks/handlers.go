package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/splitcheck/splitcheck/internal/check/domain"
	"github.com/splitcheck/splitcheck/internal/connection"
	"github.com/splitcheck/splitcheck/internal/dispatch"
	"github.com/splitcheck/splitcheck/internal/event"
	"github.com/splitcheck/splitcheck/internal/queue"
	"github.com/splitcheck/splitcheck/internal/recognition"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type HandlersParam struct {
	fx.In

	Service    domain.Service
	Manager    *connection.Manager
	Recognizer recognition.Recognizer
	Log        *zap.Logger
}

// Handlers binds task types to their processing logic.
type Handlers struct {
	svc        domain.Service
	mgr        *connection.Manager
	recognizer recognition.Recognizer
	log        *zap.Logger
}

func NewHandlers(p HandlersParam) *Handlers {
	return &Handlers{
		svc:        p.Service,
		mgr:        p.Manager,
		recognizer: p.Recognizer,
		log:        p.Log.Named("tasks"),
	}
}

// RegisterDefault wires every check mutation task onto the dispatcher that
// consumes the default queue.
func (h *Handlers) RegisterDefault(d *dispatch.Dispatcher) error {
	for taskType, fn := range map[string]dispatch.HandlerFunc{
		TypeAddItem:     h.handleAddItem,
		TypeEditItem:    h.handleEditItem,
		TypeDeleteItem:  h.handleDeleteItem,
		TypeSplitItem:   h.handleSplitItem,
		TypeJoinCheck:   h.handleJoinCheck,
		TypeSelectItems: h.handleSelectItems,
		TypeRenameCheck: h.handleRenameCheck,
		TypeCheckStatus: h.handleCheckStatus,
		TypeDeleteCheck: h.handleDeleteCheck,
	} {
		if err := d.Register(taskType, fn); err != nil {
			return err
		}
	}
	return nil
}

// RegisterRecognition wires the OCR task onto the recognition dispatcher.
func (h *Handlers) RegisterRecognition(d *dispatch.Dispatcher) error {
	return d.Register(TypeRecognizeReceipt, h.handleRecognizeReceipt)
}

// itemEventPayload is the broadcast body for item-level changes.
type itemEventPayload struct {
	CheckUUID string            `json:"check_uuid"`
	Item      *domain.CheckItem `json:"item,omitempty"`
	ItemID    int               `json:"item_id,omitempty"`
	Subtotal  float64           `json:"subtotal"`
	Total     float64           `json:"total"`
}

// checkEventPayload is the broadcast body for check-level changes.
type checkEventPayload struct {
	CheckUUID string             `json:"check_uuid"`
	Name      string             `json:"name,omitempty"`
	Status    domain.CheckStatus `json:"status,omitempty"`
	UserID    int64              `json:"user_id,omitempty"`
}

// selectionEventPayload is the broadcast body for selection changes.
type selectionEventPayload struct {
	CheckUUID string                `json:"check_uuid"`
	UserID    int64                 `json:"user_id"`
	Items     []domain.SelectedItem `json:"items"`
}

func (h *Handlers) handleAddItem(ctx context.Context, env *queue.Envelope) error {
	var task AddItemTask
	if err := env.Decode(&task); err != nil {
		return err
	}
	if err := h.requireMember(ctx, task.CheckUUID, task.UserID); err != nil {
		h.nack(ctx, task.UserID, event.ItemAddEvent, err)
		return err
	}

	item, view, err := h.svc.AddItem(ctx, task.CheckUUID, task.ItemData)
	if err != nil {
		h.nack(ctx, task.UserID, event.ItemAddEvent, err)
		return err
	}

	h.ack(ctx, task.UserID, event.ItemAddEvent)
	h.broadcast(ctx, view.Members, task.UserID, event.ItemAddEvent, itemEventPayload{
		CheckUUID: task.CheckUUID,
		Item:      &item,
		Subtotal:  view.Check.Subtotal,
		Total:     view.Check.Total,
	})
	return nil
}

func (h *Handlers) handleEditItem(ctx context.Context, env *queue.Envelope) error {
	var task EditItemTask
	if err := env.Decode(&task); err != nil {
		return err
	}
	if err := h.requireMember(ctx, task.CheckUUID, task.UserID); err != nil {
		h.nack(ctx, task.UserID, event.ItemEditEvent, err)
		return err
	}

	item, view, err := h.svc.EditItem(ctx, task.CheckUUID, task.ItemID, task.ItemData)
	if err != nil {
		h.nack(ctx, task.UserID, event.ItemEditEvent, err)
		return err
	}

	h.ack(ctx, task.UserID, event.ItemEditEvent)
	h.broadcast(ctx, view.Members, task.UserID, event.ItemEditEvent, itemEventPayload{
		CheckUUID: task.CheckUUID,
		Item:      &item,
		Subtotal:  view.Check.Subtotal,
		Total:     view.Check.Total,
	})
	return nil
}

func (h *Handlers) handleDeleteItem(ctx context.Context, env *queue.Envelope) error {
	var task DeleteItemTask
	if err := env.Decode(&task); err != nil {
		return err
	}
	if err := h.requireMember(ctx, task.CheckUUID, task.UserID); err != nil {
		h.nack(ctx, task.UserID, event.ItemDeleteEvent, err)
		return err
	}

	view, err := h.svc.DeleteItem(ctx, task.CheckUUID, task.ItemID)
	if err != nil {
		h.nack(ctx, task.UserID, event.ItemDeleteEvent, err)
		return err
	}

	h.ack(ctx, task.UserID, event.ItemDeleteEvent)
	h.broadcast(ctx, view.Members, task.UserID, event.ItemDeleteEvent, itemEventPayload{
		CheckUUID: task.CheckUUID,
		ItemID:    task.ItemID,
		Subtotal:  view.Check.Subtotal,
		Total:     view.Check.Total,
	})
	return nil
}

// handleSplitItem applies a single-item share change. The merge with the
// initiator's stored selection happens inside the service transaction.
func (h *Handlers) handleSplitItem(ctx context.Context, env *queue.Envelope) error {
	var task SplitItemTask
	if err := env.Decode(&task); err != nil {
		return err
	}

	view, err := h.svc.SplitItem(ctx, task.CheckUUID, task.UserID, task.ItemID, task.Quantity)
	if err != nil {
		h.nack(ctx, task.UserID, event.ItemSplitEvent, err)
		return err
	}

	items := []domain.SelectedItem{}
	for _, sel := range view.Selections {
		if sel.UserID == task.UserID {
			items = sel.Items
			break
		}
	}

	h.ack(ctx, task.UserID, event.ItemSplitEvent)
	h.broadcast(ctx, view.Members, task.UserID, event.ItemSplitEvent, selectionEventPayload{
		CheckUUID: task.CheckUUID,
		UserID:    task.UserID,
		Items:     items,
	})
	return nil
}

func (h *Handlers) handleJoinCheck(ctx context.Context, env *queue.Envelope) error {
	var task JoinCheckTask
	if err := env.Decode(&task); err != nil {
		return err
	}

	view, err := h.svc.Join(ctx, task.CheckUUID, task.UserID)
	if err != nil {
		h.nack(ctx, task.UserID, event.UserJoinedEvent, err)
		return err
	}

	h.ack(ctx, task.UserID, event.UserJoinedEvent)
	h.broadcast(ctx, view.Members, task.UserID, event.UserJoinedEvent, checkEventPayload{
		CheckUUID: task.CheckUUID,
		UserID:    task.UserID,
	})
	return nil
}

func (h *Handlers) handleSelectItems(ctx context.Context, env *queue.Envelope) error {
	var task SelectItemsTask
	if err := env.Decode(&task); err != nil {
		return err
	}

	view, err := h.svc.SelectItems(ctx, task.CheckUUID, task.UserID, task.Items)
	if err != nil {
		h.nack(ctx, task.UserID, event.CheckSelectEvent, err)
		return err
	}

	h.ack(ctx, task.UserID, event.CheckSelectEvent)
	h.broadcast(ctx, view.Members, task.UserID, event.CheckSelectEvent, selectionEventPayload{
		CheckUUID: task.CheckUUID,
		UserID:    task.UserID,
		Items:     task.Items,
	})
	return nil
}

func (h *Handlers) handleRenameCheck(ctx context.Context, env *queue.Envelope) error {
	var task RenameCheckTask
	if err := env.Decode(&task); err != nil {
		return err
	}
	if err := h.requireMember(ctx, task.CheckUUID, task.UserID); err != nil {
		h.nack(ctx, task.UserID, event.CheckEditEvent, err)
		return err
	}

	view, err := h.svc.Rename(ctx, task.CheckUUID, task.Name)
	if err != nil {
		h.nack(ctx, task.UserID, event.CheckEditEvent, err)
		return err
	}

	h.ack(ctx, task.UserID, event.CheckEditEvent)
	h.broadcast(ctx, view.Members, task.UserID, event.CheckEditEvent, checkEventPayload{
		CheckUUID: task.CheckUUID,
		Name:      view.Check.Name,
	})
	return nil
}

func (h *Handlers) handleCheckStatus(ctx context.Context, env *queue.Envelope) error {
	var task CheckStatusTask
	if err := env.Decode(&task); err != nil {
		return err
	}
	if err := h.requireMember(ctx, task.CheckUUID, task.UserID); err != nil {
		h.nack(ctx, task.UserID, event.CheckStatusEvent, err)
		return err
	}

	view, err := h.svc.SetStatus(ctx, task.CheckUUID, task.Status)
	if err != nil {
		h.nack(ctx, task.UserID, event.CheckStatusEvent, err)
		return err
	}

	h.ack(ctx, task.UserID, event.CheckStatusEvent)
	h.broadcast(ctx, view.Members, task.UserID, event.CheckStatusEvent, checkEventPayload{
		CheckUUID: task.CheckUUID,
		Status:    view.Check.Status,
	})
	return nil
}

func (h *Handlers) handleDeleteCheck(ctx context.Context, env *queue.Envelope) error {
	var task DeleteCheckTask
	if err := env.Decode(&task); err != nil {
		return err
	}

	// Members are captured before the rows go away.
	members, err := h.svc.Members(ctx, task.CheckUUID)
	if err != nil {
		h.nack(ctx, task.UserID, event.CheckDeleteEvent, err)
		return err
	}

	if err := h.svc.Delete(ctx, task.CheckUUID, task.UserID); err != nil {
		h.nack(ctx, task.UserID, event.CheckDeleteEvent, err)
		return err
	}

	h.ack(ctx, task.UserID, event.CheckDeleteEvent)
	h.broadcast(ctx, members, task.UserID, event.CheckDeleteEvent, checkEventPayload{
		CheckUUID: task.CheckUUID,
	})
	return nil
}

func (h *Handlers) handleRecognizeReceipt(ctx context.Context, env *queue.Envelope) error {
	var task RecognizeReceiptTask
	if err := env.Decode(&task); err != nil {
		return err
	}

	receipt, err := h.recognizer.Recognize(ctx, task.ImageRef)
	if err != nil {
		h.nack(ctx, task.UserID, event.CheckAddEvent, err)
		return err
	}

	name := task.Name
	if name == "" {
		name = "Recognized receipt"
	}
	view, err := h.svc.Create(ctx, domain.CreateCheckRequest{
		Name:          name,
		AuthorID:      task.UserID,
		Restaurant:    datatypes.JSONMap(receipt.Restaurant),
		Items:         receipt.Items,
		DeclaredTotal: receipt.Total,
	})
	if err != nil {
		h.nack(ctx, task.UserID, event.CheckAddEvent, err)
		return err
	}

	h.ack(ctx, task.UserID, event.CheckAddEvent)

	// The initiator needs the created check, not just an acknowledgement.
	msg, err := event.NewMessage(event.CheckAddEvent, view)
	if err != nil {
		return err
	}
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := h.mgr.SendPersonal(ctx, task.UserID, frame); err != nil {
		h.log.Warn("created check delivery failed",
			zap.String("check_id", view.Check.ID), zap.Error(err))
	}
	return nil
}

// requireMember rejects mutations from users not attached to the check.
func (h *Handlers) requireMember(ctx context.Context, checkID string, userID int64) error {
	members, err := h.svc.Members(ctx, checkID)
	if err != nil {
		return err
	}
	for _, id := range members {
		if id == userID {
			return nil
		}
	}
	return fmt.Errorf("%w: user %d on check %s", domain.ErrNotMember, userID, checkID)
}

func (h *Handlers) ack(ctx context.Context, userID int64, eventType string) {
	h.sendStatus(ctx, userID, event.NewStatus(eventType, event.StatusSuccess, ""))
}

func (h *Handlers) nack(ctx context.Context, userID int64, eventType string, cause error) {
	h.sendStatus(ctx, userID, event.NewStatus(eventType, event.StatusError, userMessage(cause)))
}

func (h *Handlers) sendStatus(ctx context.Context, userID int64, status event.StatusMessage) {
	frame, err := status.Encode()
	if err != nil {
		h.log.Error("encode status envelope", zap.Error(err))
		return
	}
	if err := h.mgr.SendPersonal(ctx, userID, frame); err != nil {
		h.log.Warn("status delivery failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (h *Handlers) broadcast(ctx context.Context, members []int64, initiator int64, eventType string, payload any) {
	msg, err := event.NewMessage(eventType, payload)
	if err != nil {
		h.log.Error("encode broadcast envelope", zap.String("event", eventType), zap.Error(err))
		return
	}
	frame, err := msg.Encode()
	if err != nil {
		h.log.Error("encode broadcast frame", zap.String("event", eventType), zap.Error(err))
		return
	}

	audience := make([]int64, 0, len(members))
	for _, id := range members {
		if id != initiator {
			audience = append(audience, id)
		}
	}
	h.mgr.SendToUsers(ctx, audience, frame)
}

// userMessage maps internal errors to client-safe text. Unknown errors keep
// a generic message so storage details never leak to clients.
func userMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrCheckNotFound):
		return "check not found"
	case errors.Is(err, domain.ErrItemNotFound):
		return "item not found"
	case errors.Is(err, domain.ErrNotMember):
		return "you are not a participant of this check"
	case errors.Is(err, domain.ErrNotAuthor):
		return "only the author can do this"
	case errors.Is(err, domain.ErrValidation):
		return err.Error()
	default:
		return "internal error"
	}
}
