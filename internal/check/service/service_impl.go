package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/splitcheck/splitcheck/internal/check/domain"
	"github.com/splitcheck/splitcheck/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Cache ViewCache
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	cache ViewCache
	clock clock.Clock
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("check.service"),
		cache: p.Cache,
		clock: p.Clock,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateCheckRequest) (domain.CheckView, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.CheckView{}, fmt.Errorf("%w: check name is required", domain.ErrValidation)
	}
	for i, data := range req.Items {
		if err := validateItem(data); err != nil {
			return domain.CheckView{}, fmt.Errorf("item %d: %w", i, err)
		}
	}

	currency := strings.TrimSpace(req.Currency)
	if currency == "" {
		currency = "RUB"
	}

	check := domain.Check{
		ID:            uuid.NewString(),
		Name:          name,
		Status:        domain.CheckStatusOpen,
		AuthorID:      &req.AuthorID,
		Restaurant:    req.Restaurant,
		Currency:      currency,
		ServiceCharge: req.ServiceCharge,
		VAT:           req.VAT,
		Discount:      req.Discount,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&check).Error; err != nil {
			return err
		}
		for i, data := range req.Items {
			item := buildItem(check.ID, i+1, data)
			if err := tx.Create(&item).Error; err != nil {
				return err
			}
		}
		if err := tx.Create(&domain.UserCheck{
			UserID:   req.AuthorID,
			CheckID:  check.ID,
			JoinedAt: s.clock.Now(),
		}).Error; err != nil {
			return err
		}
		return s.recomputeTotals(tx, check.ID, req.DeclaredTotal)
	})
	if err != nil {
		return domain.CheckView{}, err
	}

	return s.refreshView(ctx, check.ID)
}

func (s *Service) Get(ctx context.Context, checkID string) (domain.CheckView, error) {
	if view, ok := s.cache.Get(ctx, checkID); ok {
		return view, nil
	}
	return s.refreshView(ctx, checkID)
}

func (s *Service) Delete(ctx context.Context, checkID string, userID int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		check, err := lockCheck(tx, checkID)
		if err != nil {
			return err
		}
		if check.AuthorID == nil || *check.AuthorID != userID {
			return domain.ErrNotAuthor
		}

		// Hard delete cascades items, associations and selections.
		if err := tx.Where("check_id = ?", checkID).Delete(&domain.CheckItem{}).Error; err != nil {
			return err
		}
		if err := tx.Where("check_id = ?", checkID).Delete(&domain.UserSelection{}).Error; err != nil {
			return err
		}
		if err := tx.Where("check_id = ?", checkID).Delete(&domain.UserCheck{}).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.Check{}, "id = ?", checkID).Error
	})
	if err != nil {
		return err
	}

	s.cache.Invalidate(ctx, checkID)
	return nil
}

func (s *Service) Rename(ctx context.Context, checkID, name string) (domain.CheckView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.CheckView{}, fmt.Errorf("%w: check name is required", domain.ErrValidation)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockCheck(tx, checkID); err != nil {
			return err
		}
		return tx.Model(&domain.Check{}).Where("id = ?", checkID).
			Update("name", name).Error
	})
	if err != nil {
		return domain.CheckView{}, err
	}
	return s.refreshView(ctx, checkID)
}

func (s *Service) SetStatus(ctx context.Context, checkID string, status domain.CheckStatus) (domain.CheckView, error) {
	if status != domain.CheckStatusOpen && status != domain.CheckStatusClose {
		return domain.CheckView{}, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, status)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockCheck(tx, checkID); err != nil {
			return err
		}
		return tx.Model(&domain.Check{}).Where("id = ?", checkID).
			Update("status", status).Error
	})
	if err != nil {
		return domain.CheckView{}, err
	}
	return s.refreshView(ctx, checkID)
}

func (s *Service) AddItem(ctx context.Context, checkID string, data domain.ItemData) (domain.CheckItem, domain.CheckView, error) {
	if err := validateItem(data); err != nil {
		return domain.CheckItem{}, domain.CheckView{}, err
	}

	var item domain.CheckItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockCheck(tx, checkID); err != nil {
			return err
		}

		var maxItemID int
		if err := tx.Model(&domain.CheckItem{}).Where("check_id = ?", checkID).
			Select("COALESCE(MAX(item_id), 0)").Scan(&maxItemID).Error; err != nil {
			return err
		}

		item = buildItem(checkID, maxItemID+1, data)
		if err := tx.Create(&item).Error; err != nil {
			return err
		}
		return s.recomputeTotals(tx, checkID, nil)
	})
	if err != nil {
		return domain.CheckItem{}, domain.CheckView{}, err
	}

	view, err := s.refreshView(ctx, checkID)
	return item, view, err
}

func (s *Service) EditItem(ctx context.Context, checkID string, itemID int, data domain.ItemData) (domain.CheckItem, domain.CheckView, error) {
	if err := validateItem(data); err != nil {
		return domain.CheckItem{}, domain.CheckView{}, err
	}

	var item domain.CheckItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockCheck(tx, checkID); err != nil {
			return err
		}

		if err := tx.Where("check_id = ? AND item_id = ?", checkID, itemID).
			First(&item).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrItemNotFound
			}
			return err
		}

		updated := buildItem(checkID, itemID, data)
		item.Name = updated.Name
		item.Quantity = updated.Quantity
		item.Sum = updated.Sum
		if err := tx.Save(&item).Error; err != nil {
			return err
		}

		// The edited item may no longer match what participants selected.
		if err := pruneSelections(tx, checkID, itemID); err != nil {
			return err
		}
		return s.recomputeTotals(tx, checkID, nil)
	})
	if err != nil {
		return domain.CheckItem{}, domain.CheckView{}, err
	}

	view, err := s.refreshView(ctx, checkID)
	return item, view, err
}

func (s *Service) DeleteItem(ctx context.Context, checkID string, itemID int) (domain.CheckView, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockCheck(tx, checkID); err != nil {
			return err
		}

		res := tx.Where("check_id = ? AND item_id = ?", checkID, itemID).
			Delete(&domain.CheckItem{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrItemNotFound
		}

		if err := pruneSelections(tx, checkID, itemID); err != nil {
			return err
		}
		return s.recomputeTotals(tx, checkID, nil)
	})
	if err != nil {
		return domain.CheckView{}, err
	}
	return s.refreshView(ctx, checkID)
}

func (s *Service) Join(ctx context.Context, checkID string, userID int64) (domain.CheckView, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockCheck(tx, checkID); err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&domain.UserCheck{
			UserID:   userID,
			CheckID:  checkID,
			JoinedAt: s.clock.Now(),
		}).Error
	})
	if err != nil {
		return domain.CheckView{}, err
	}
	return s.refreshView(ctx, checkID)
}

func (s *Service) Leave(ctx context.Context, checkID string, userID int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("check_id = ? AND user_id = ?", checkID, userID).
			Delete(&domain.UserCheck{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotMember
		}
		return tx.Where("check_id = ? AND user_id = ?", checkID, userID).
			Delete(&domain.UserSelection{}).Error
	})
	if err != nil {
		return err
	}

	_, err = s.refreshView(ctx, checkID)
	return err
}

func (s *Service) Members(ctx context.Context, checkID string) ([]int64, error) {
	var members []int64
	err := s.db.WithContext(ctx).Model(&domain.UserCheck{}).
		Where("check_id = ?", checkID).
		Order("joined_at").
		Pluck("user_id", &members).Error
	return members, err
}

func (s *Service) SelectItems(ctx context.Context, checkID string, userID int64, items []domain.SelectedItem) (domain.CheckView, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockCheck(tx, checkID); err != nil {
			return err
		}

		var memberCount int64
		if err := tx.Model(&domain.UserCheck{}).
			Where("check_id = ? AND user_id = ?", checkID, userID).
			Count(&memberCount).Error; err != nil {
			return err
		}
		if memberCount == 0 {
			return domain.ErrNotMember
		}

		known := map[int]struct{}{}
		var existing []domain.CheckItem
		if err := tx.Where("check_id = ?", checkID).Find(&existing).Error; err != nil {
			return err
		}
		for _, it := range existing {
			known[it.ItemID] = struct{}{}
		}
		for _, sel := range items {
			if _, ok := known[sel.ItemID]; !ok {
				return fmt.Errorf("%w: item %d", domain.ErrItemNotFound, sel.ItemID)
			}
			if sel.Quantity <= 0 {
				return fmt.Errorf("%w: selected quantity must be positive", domain.ErrValidation)
			}
		}

		selection := domain.UserSelection{
			UserID:    userID,
			CheckID:   checkID,
			Items:     items,
			UpdatedAt: s.clock.Now(),
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "check_id"}},
			UpdateAll: true,
		}).Create(&selection).Error
	})
	if err != nil {
		return domain.CheckView{}, err
	}
	return s.refreshView(ctx, checkID)
}

func (s *Service) SplitItem(ctx context.Context, checkID string, userID int64, itemID, quantity int) (domain.CheckView, error) {
	if quantity < 0 {
		return domain.CheckView{}, fmt.Errorf("%w: selected quantity must not be negative", domain.ErrValidation)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockCheck(tx, checkID); err != nil {
			return err
		}

		var memberCount int64
		if err := tx.Model(&domain.UserCheck{}).
			Where("check_id = ? AND user_id = ?", checkID, userID).
			Count(&memberCount).Error; err != nil {
			return err
		}
		if memberCount == 0 {
			return domain.ErrNotMember
		}

		var itemCount int64
		if err := tx.Model(&domain.CheckItem{}).
			Where("check_id = ? AND item_id = ?", checkID, itemID).
			Count(&itemCount).Error; err != nil {
			return err
		}
		if itemCount == 0 {
			return fmt.Errorf("%w: item %d", domain.ErrItemNotFound, itemID)
		}

		// The stored selection is read inside the same transaction that
		// writes the merge back, under the check row lock. Concurrent
		// splits by one user serialize here instead of losing updates.
		var sel domain.UserSelection
		err := tx.Where("check_id = ? AND user_id = ?", checkID, userID).First(&sel).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		items := make([]domain.SelectedItem, 0, len(sel.Items)+1)
		for _, it := range sel.Items {
			if it.ItemID != itemID {
				items = append(items, it)
			}
		}
		if quantity > 0 {
			items = append(items, domain.SelectedItem{ItemID: itemID, Quantity: quantity})
		}

		selection := domain.UserSelection{
			UserID:    userID,
			CheckID:   checkID,
			Items:     items,
			UpdatedAt: s.clock.Now(),
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "check_id"}},
			UpdateAll: true,
		}).Create(&selection).Error
	})
	if err != nil {
		return domain.CheckView{}, err
	}
	return s.refreshView(ctx, checkID)
}

// recomputeTotals recalculates the derived monetary fields inside the
// caller's transaction. declaredTotal, when present, is checked against the
// recomputed total and any discrepancy beyond the tolerance is recorded in
// the check's comment.
func (s *Service) recomputeTotals(tx *gorm.DB, checkID string, declaredTotal *float64) error {
	var check domain.Check
	if err := tx.First(&check, "id = ?", checkID).Error; err != nil {
		return err
	}

	var subtotal float64
	if err := tx.Model(&domain.CheckItem{}).Where("check_id = ?", checkID).
		Select("COALESCE(SUM(sum), 0)").Scan(&subtotal).Error; err != nil {
		return err
	}

	total := subtotal + adjustmentAmount(check.ServiceCharge) +
		adjustmentAmount(check.VAT) - adjustmentAmount(check.Discount)

	updates := map[string]any{
		"subtotal": round2(subtotal),
		"total":    round2(total),
	}
	if declaredTotal != nil && math.Abs(*declaredTotal-total) > domain.TotalTolerance {
		updates["comment"] = fmt.Sprintf(
			"declared total %.2f differs from computed total %.2f", *declaredTotal, total)
	}

	return tx.Model(&domain.Check{}).Where("id = ?", checkID).Updates(updates).Error
}

// refreshView rebuilds the denormalized view from the relational store and
// writes it through to the cache.
func (s *Service) refreshView(ctx context.Context, checkID string) (domain.CheckView, error) {
	db := s.db.WithContext(ctx)

	var check domain.Check
	if err := db.First(&check, "id = ?", checkID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.CheckView{}, domain.ErrCheckNotFound
		}
		return domain.CheckView{}, err
	}

	var items []domain.CheckItem
	if err := db.Where("check_id = ?", checkID).Order("item_id").Find(&items).Error; err != nil {
		return domain.CheckView{}, err
	}

	members, err := s.Members(ctx, checkID)
	if err != nil {
		return domain.CheckView{}, err
	}

	var selections []domain.UserSelection
	if err := db.Where("check_id = ?", checkID).Find(&selections).Error; err != nil {
		return domain.CheckView{}, err
	}

	view := domain.CheckView{
		Check:      check,
		Items:      items,
		Members:    members,
		Selections: selections,
	}
	s.cache.Put(ctx, checkID, view)
	return view, nil
}

// lockCheck loads the check row under a row lock so concurrent mutations of
// the same check serialize on the database.
func lockCheck(tx *gorm.DB, checkID string) (domain.Check, error) {
	q := tx
	// SQLite serializes writers on its own and rejects FOR UPDATE.
	if tx.Dialector.Name() != "sqlite" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var check domain.Check
	err := q.First(&check, "id = ?", checkID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Check{}, domain.ErrCheckNotFound
	}
	return check, err
}

func validateItem(data domain.ItemData) error {
	if strings.TrimSpace(data.Name) == "" {
		return fmt.Errorf("%w: item name is required", domain.ErrValidation)
	}
	if data.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", domain.ErrValidation)
	}
	if data.Sum < 0 || math.IsNaN(data.Sum) || math.IsInf(data.Sum, 0) {
		return fmt.Errorf("%w: sum must be a non-negative number", domain.ErrValidation)
	}
	return nil
}

// buildItem folds fractional quantities: the persisted quantity is rounded
// up and the source quantity is appended to the display name, keeping the
// monetary sum untouched.
func buildItem(checkID string, itemID int, data domain.ItemData) domain.CheckItem {
	name := strings.TrimSpace(data.Name)
	quantity := int(data.Quantity)
	if data.Quantity != math.Trunc(data.Quantity) {
		quantity = int(math.Ceil(data.Quantity))
		name = fmt.Sprintf("%s (x%g)", name, data.Quantity)
	}
	return domain.CheckItem{
		CheckID:  checkID,
		ItemID:   itemID,
		Name:     name,
		Quantity: quantity,
		Sum:      round2(data.Sum),
	}
}

// pruneSelections drops a stale item id from every selection on the check.
func pruneSelections(tx *gorm.DB, checkID string, itemID int) error {
	var selections []domain.UserSelection
	if err := tx.Where("check_id = ?", checkID).Find(&selections).Error; err != nil {
		return err
	}

	for _, sel := range selections {
		kept := sel.Items[:0]
		changed := false
		for _, it := range sel.Items {
			if it.ItemID == itemID {
				changed = true
				continue
			}
			kept = append(kept, it)
		}
		if !changed {
			continue
		}
		sel.Items = kept
		if err := tx.Save(&sel).Error; err != nil {
			return err
		}
	}
	return nil
}

func adjustmentAmount(a *domain.Adjustment) float64 {
	if a == nil {
		return 0
	}
	return a.Amount
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
