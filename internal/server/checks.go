package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/splitcheck/splitcheck/internal/check/domain"
	"github.com/splitcheck/splitcheck/internal/queue"
	"github.com/splitcheck/splitcheck/internal/ratelimit"
	"github.com/splitcheck/splitcheck/internal/tasks"
	"gorm.io/datatypes"
)

// enqueuedResponse acknowledges an accepted mutation. The outcome arrives on
// the initiator's event stream.
type enqueuedResponse struct {
	TaskID string `json:"task_id"`
}

// GetCheck returns the denormalized view of one check.
func (s *Server) GetCheck(c *gin.Context) {
	view, err := s.checks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type createCheckRequest struct {
	Name          string             `json:"name"`
	Currency      string             `json:"currency"`
	Restaurant    map[string]any     `json:"restaurant"`
	Items         []domain.ItemData  `json:"items"`
	ServiceCharge *domain.Adjustment `json:"service_charge"`
	VAT           *domain.Adjustment `json:"vat"`
	Discount      *domain.Adjustment `json:"discount"`
	DeclaredTotal *float64           `json:"declared_total"`
}

// CreateCheck creates a check synchronously: the client needs the id before
// it can enqueue anything else.
func (s *Server) CreateCheck(c *gin.Context) {
	var req createCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %s", ErrInvalidRequest, err))
		return
	}

	view, err := s.checks.Create(c.Request.Context(), domain.CreateCheckRequest{
		Name:          req.Name,
		AuthorID:      currentUserID(c),
		Currency:      req.Currency,
		Restaurant:    datatypes.JSONMap(req.Restaurant),
		Items:         req.Items,
		ServiceCharge: req.ServiceCharge,
		VAT:           req.VAT,
		Discount:      req.Discount,
		DeclaredTotal: req.DeclaredTotal,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

type recognizeReceiptRequest struct {
	ImageRef string `json:"image_ref"`
	Name     string `json:"name"`
}

// RecognizeReceipt enqueues OCR of a receipt image. The created check is
// delivered on the initiator's event stream.
func (s *Server) RecognizeReceipt(c *gin.Context) {
	var req recognizeReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ImageRef) == "" {
		AbortWithError(c, fmt.Errorf("%w: image_ref is required", ErrInvalidRequest))
		return
	}

	allowed, err := s.recognizeLimiter.Allow(c.Request.Context(), currentUserID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !allowed {
		AbortWithError(c, ratelimit.ErrRateLimited)
		return
	}

	s.enqueue(c, queue.Recognition, tasks.TypeRecognizeReceipt, tasks.RecognizeReceiptTask{
		UserID:   currentUserID(c),
		ImageRef: req.ImageRef,
		Name:     req.Name,
	})
}

func (s *Server) DeleteCheck(c *gin.Context) {
	s.enqueue(c, queue.Default, tasks.TypeDeleteCheck, tasks.DeleteCheckTask{
		CheckUUID: c.Param("id"),
		UserID:    currentUserID(c),
	})
}

type renameCheckRequest struct {
	Name string `json:"name"`
}

func (s *Server) RenameCheck(c *gin.Context) {
	var req renameCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %s", ErrInvalidRequest, err))
		return
	}

	s.enqueue(c, queue.Default, tasks.TypeRenameCheck, tasks.RenameCheckTask{
		CheckUUID: c.Param("id"),
		UserID:    currentUserID(c),
		Name:      req.Name,
	})
}

type checkStatusRequest struct {
	Status domain.CheckStatus `json:"status"`
}

func (s *Server) SetCheckStatus(c *gin.Context) {
	var req checkStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %s", ErrInvalidRequest, err))
		return
	}

	s.enqueue(c, queue.Default, tasks.TypeCheckStatus, tasks.CheckStatusTask{
		CheckUUID: c.Param("id"),
		UserID:    currentUserID(c),
		Status:    req.Status,
	})
}

func (s *Server) AddItem(c *gin.Context) {
	var data domain.ItemData
	if err := c.ShouldBindJSON(&data); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %s", ErrInvalidRequest, err))
		return
	}

	s.enqueue(c, queue.Default, tasks.TypeAddItem, tasks.AddItemTask{
		CheckUUID: c.Param("id"),
		UserID:    currentUserID(c),
		ItemData:  data,
	})
}

func (s *Server) EditItem(c *gin.Context) {
	itemID, ok := itemIDParam(c)
	if !ok {
		return
	}

	var data domain.ItemData
	if err := c.ShouldBindJSON(&data); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %s", ErrInvalidRequest, err))
		return
	}

	s.enqueue(c, queue.Default, tasks.TypeEditItem, tasks.EditItemTask{
		CheckUUID: c.Param("id"),
		UserID:    currentUserID(c),
		ItemID:    itemID,
		ItemData:  data,
	})
}

func (s *Server) DeleteItem(c *gin.Context) {
	itemID, ok := itemIDParam(c)
	if !ok {
		return
	}

	s.enqueue(c, queue.Default, tasks.TypeDeleteItem, tasks.DeleteItemTask{
		CheckUUID: c.Param("id"),
		UserID:    currentUserID(c),
		ItemID:    itemID,
	})
}

type splitItemRequest struct {
	Quantity int `json:"quantity"`
}

func (s *Server) SplitItem(c *gin.Context) {
	itemID, ok := itemIDParam(c)
	if !ok {
		return
	}

	var req splitItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %s", ErrInvalidRequest, err))
		return
	}

	s.enqueue(c, queue.Default, tasks.TypeSplitItem, tasks.SplitItemTask{
		CheckUUID: c.Param("id"),
		UserID:    currentUserID(c),
		ItemID:    itemID,
		Quantity:  req.Quantity,
	})
}

func (s *Server) JoinCheck(c *gin.Context) {
	s.enqueue(c, queue.Default, tasks.TypeJoinCheck, tasks.JoinCheckTask{
		CheckUUID: c.Param("id"),
		UserID:    currentUserID(c),
	})
}

// LeaveCheck runs synchronously: the leaving user is about to drop their
// stream, so an async acknowledgement could never reach them.
func (s *Server) LeaveCheck(c *gin.Context) {
	err := s.checks.Leave(c.Request.Context(), c.Param("id"), currentUserID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type selectItemsRequest struct {
	Items []domain.SelectedItem `json:"items"`
}

func (s *Server) SelectItems(c *gin.Context) {
	var req selectItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %s", ErrInvalidRequest, err))
		return
	}

	s.enqueue(c, queue.Default, tasks.TypeSelectItems, tasks.SelectItemsTask{
		CheckUUID: c.Param("id"),
		UserID:    currentUserID(c),
		Items:     req.Items,
	})
}

func (s *Server) enqueue(c *gin.Context, queueName, taskType string, payload any) {
	taskID, err := s.queue.Push(c.Request.Context(), queueName, taskType, payload)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, enqueuedResponse{TaskID: taskID})
}

func itemIDParam(c *gin.Context) (int, bool) {
	itemID, err := strconv.Atoi(c.Param("item_id"))
	if err != nil || itemID <= 0 {
		AbortWithError(c, fmt.Errorf("%w: item_id must be a positive integer", ErrInvalidRequest))
		return 0, false
	}
	return itemID, true
}
