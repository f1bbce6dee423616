package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/splitcheck/splitcheck/internal/check/domain"
	"github.com/splitcheck/splitcheck/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (domain.Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&domain.Check{},
		&domain.CheckItem{},
		&domain.UserCheck{},
		&domain.UserSelection{},
	))

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		Cache: NewMemoryViewCache(time.Minute, clock.NewSystemClock()),
		Clock: clock.NewSystemClock(),
	})
	return svc, db
}

func createCheck(t *testing.T, svc domain.Service, items ...domain.ItemData) domain.CheckView {
	t.Helper()
	view, err := svc.Create(context.Background(), domain.CreateCheckRequest{
		Name:     "Dinner",
		AuthorID: 1,
		Items:    items,
	})
	require.NoError(t, err)
	return view
}

func TestCreateComputesTotals(t *testing.T) {
	svc, _ := newTestService(t)

	view := createCheck(t, svc,
		domain.ItemData{Name: "Cola", Quantity: 2, Sum: 10.00},
		domain.ItemData{Name: "Pizza", Quantity: 1, Sum: 25.50},
	)

	assert.Equal(t, 35.50, view.Check.Subtotal)
	assert.Equal(t, 35.50, view.Check.Total)
	assert.Equal(t, domain.CheckStatusOpen, view.Check.Status)
	assert.Equal(t, []int64{1}, view.Members)
	require.Len(t, view.Items, 2)
	assert.Equal(t, 1, view.Items[0].ItemID)
	assert.Equal(t, 2, view.Items[1].ItemID)
}

func TestCreateWithAdjustmentsAndDeclaredTotal(t *testing.T) {
	svc, _ := newTestService(t)

	declared := 120.00
	view, err := svc.Create(context.Background(), domain.CreateCheckRequest{
		Name:          "Dinner",
		AuthorID:      1,
		Items:         []domain.ItemData{{Name: "Steak", Quantity: 1, Sum: 100.00}},
		ServiceCharge: &domain.Adjustment{Amount: 10.00, Percent: 10},
		Discount:      &domain.Adjustment{Amount: 5.00},
		DeclaredTotal: &declared,
	})
	require.NoError(t, err)

	assert.Equal(t, 100.00, view.Check.Subtotal)
	assert.Equal(t, 105.00, view.Check.Total)
	assert.Contains(t, view.Check.Comment, "120.00")
	assert.Contains(t, view.Check.Comment, "105.00")
}

func TestFractionalQuantityIsFolded(t *testing.T) {
	svc, _ := newTestService(t)

	item, view, err := svc.AddItem(context.Background(), createCheck(t, svc).Check.ID,
		domain.ItemData{Name: "Juice", Quantity: 1.5, Sum: 7.50})
	require.NoError(t, err)

	assert.Equal(t, 2, item.Quantity)
	assert.Equal(t, "Juice (x1.5)", item.Name)
	assert.Equal(t, 7.50, item.Sum)
	assert.Equal(t, 7.50, view.Check.Subtotal)
}

func TestTotalsStayConsistentAcrossMutations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	view := createCheck(t, svc, domain.ItemData{Name: "Cola", Quantity: 1, Sum: 3.00})
	checkID := view.Check.ID

	_, view, err := svc.AddItem(ctx, checkID, domain.ItemData{Name: "Fries", Quantity: 2, Sum: 8.00})
	require.NoError(t, err)
	assert.Equal(t, 11.00, view.Check.Subtotal)

	_, view, err = svc.EditItem(ctx, checkID, 1, domain.ItemData{Name: "Cola Zero", Quantity: 1, Sum: 3.50})
	require.NoError(t, err)
	assert.Equal(t, 11.50, view.Check.Subtotal)

	view, err = svc.DeleteItem(ctx, checkID, 2)
	require.NoError(t, err)
	assert.Equal(t, 3.50, view.Check.Subtotal)
	assert.Equal(t, 3.50, view.Check.Total)
	require.Len(t, view.Items, 1)
	assert.Equal(t, "Cola Zero", view.Items[0].Name)
}

func TestItemIDsDoNotReuseDeletedSlots(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	checkID := createCheck(t, svc,
		domain.ItemData{Name: "A", Quantity: 1, Sum: 1},
		domain.ItemData{Name: "B", Quantity: 1, Sum: 2},
	).Check.ID

	_, err := svc.DeleteItem(ctx, checkID, 1)
	require.NoError(t, err)

	item, _, err := svc.AddItem(ctx, checkID, domain.ItemData{Name: "C", Quantity: 1, Sum: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, item.ItemID)
}

func TestSelectionPrunedOnItemDeleteAndEdit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	checkID := createCheck(t, svc,
		domain.ItemData{Name: "A", Quantity: 2, Sum: 4},
		domain.ItemData{Name: "B", Quantity: 1, Sum: 2},
	).Check.ID

	view, err := svc.SelectItems(ctx, checkID, 1, []domain.SelectedItem{
		{ItemID: 1, Quantity: 1},
		{ItemID: 2, Quantity: 1},
	})
	require.NoError(t, err)
	require.Len(t, view.Selections, 1)
	assert.Len(t, view.Selections[0].Items, 2)

	view, err = svc.DeleteItem(ctx, checkID, 2)
	require.NoError(t, err)
	require.Len(t, view.Selections, 1)
	require.Len(t, view.Selections[0].Items, 1)
	assert.Equal(t, 1, view.Selections[0].Items[0].ItemID)

	_, view, err = svc.EditItem(ctx, checkID, 1, domain.ItemData{Name: "A'", Quantity: 1, Sum: 2})
	require.NoError(t, err)
	require.Len(t, view.Selections, 1)
	assert.Empty(t, view.Selections[0].Items)
}

func TestSelectItemsRequiresMembership(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	checkID := createCheck(t, svc, domain.ItemData{Name: "A", Quantity: 1, Sum: 1}).Check.ID

	_, err := svc.SelectItems(ctx, checkID, 42, []domain.SelectedItem{{ItemID: 1, Quantity: 1}})
	assert.ErrorIs(t, err, domain.ErrNotMember)

	_, err = svc.Join(ctx, checkID, 42)
	require.NoError(t, err)

	_, err = svc.SelectItems(ctx, checkID, 42, []domain.SelectedItem{{ItemID: 1, Quantity: 1}})
	assert.NoError(t, err)
}

func TestSelectItemsRejectsUnknownItem(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	checkID := createCheck(t, svc, domain.ItemData{Name: "A", Quantity: 1, Sum: 1}).Check.ID

	_, err := svc.SelectItems(ctx, checkID, 1, []domain.SelectedItem{{ItemID: 99, Quantity: 1}})
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestSplitItemMergesAgainstStoredSelection(t *testing.T) {
	ctx := context.Background()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Check{}, &domain.CheckItem{}, &domain.UserCheck{}, &domain.UserSelection{},
	))

	cache := NewMemoryViewCache(time.Minute, clock.NewSystemClock())
	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		Cache: cache,
		Clock: clock.NewSystemClock(),
	})

	created := createCheck(t, svc,
		domain.ItemData{Name: "A", Quantity: 1, Sum: 4},
		domain.ItemData{Name: "B", Quantity: 1, Sum: 2},
	)
	checkID := created.Check.ID

	_, err = svc.SplitItem(ctx, checkID, 1, 1, 1)
	require.NoError(t, err)

	// Poison the cache with a view that predates the first split. The merge
	// must read the stored selection, not whatever snapshot is cached.
	cache.Put(ctx, checkID, created)

	view, err := svc.SplitItem(ctx, checkID, 1, 2, 2)
	require.NoError(t, err)
	require.Len(t, view.Selections, 1)
	assert.ElementsMatch(t, []domain.SelectedItem{
		{ItemID: 1, Quantity: 1},
		{ItemID: 2, Quantity: 2},
	}, view.Selections[0].Items)

	// Quantity zero drops only that item's share.
	view, err = svc.SplitItem(ctx, checkID, 1, 1, 0)
	require.NoError(t, err)
	require.Len(t, view.Selections, 1)
	assert.Equal(t, []domain.SelectedItem{{ItemID: 2, Quantity: 2}}, view.Selections[0].Items)
}

func TestSplitItemValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	checkID := createCheck(t, svc, domain.ItemData{Name: "A", Quantity: 1, Sum: 1}).Check.ID

	_, err := svc.SplitItem(ctx, checkID, 99, 1, 1)
	assert.ErrorIs(t, err, domain.ErrNotMember)

	_, err = svc.SplitItem(ctx, checkID, 1, 42, 1)
	assert.ErrorIs(t, err, domain.ErrItemNotFound)

	_, err = svc.SplitItem(ctx, checkID, 1, 1, -1)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestJoinIsIdempotentAndLeaveDropsSelection(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	checkID := createCheck(t, svc, domain.ItemData{Name: "A", Quantity: 1, Sum: 1}).Check.ID

	view, err := svc.Join(ctx, checkID, 2)
	require.NoError(t, err)
	view, err = svc.Join(ctx, checkID, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, view.Members)

	_, err = svc.SelectItems(ctx, checkID, 2, []domain.SelectedItem{{ItemID: 1, Quantity: 1}})
	require.NoError(t, err)

	require.NoError(t, svc.Leave(ctx, checkID, 2))

	members, err := svc.Members(ctx, checkID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, members)

	var count int64
	require.NoError(t, db.Model(&domain.UserSelection{}).
		Where("check_id = ? AND user_id = ?", checkID, 2).Count(&count).Error)
	assert.Zero(t, count)

	assert.ErrorIs(t, svc.Leave(ctx, checkID, 2), domain.ErrNotMember)
}

func TestDeleteRequiresAuthor(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	checkID := createCheck(t, svc, domain.ItemData{Name: "A", Quantity: 1, Sum: 1}).Check.ID

	assert.ErrorIs(t, svc.Delete(ctx, checkID, 99), domain.ErrNotAuthor)

	require.NoError(t, svc.Delete(ctx, checkID, 1))

	_, err := svc.Get(ctx, checkID)
	assert.ErrorIs(t, err, domain.ErrCheckNotFound)

	var items int64
	require.NoError(t, db.Model(&domain.CheckItem{}).Where("check_id = ?", checkID).Count(&items).Error)
	assert.Zero(t, items)
}

func TestRenameAndStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	checkID := createCheck(t, svc).Check.ID

	view, err := svc.Rename(ctx, checkID, "Lunch")
	require.NoError(t, err)
	assert.Equal(t, "Lunch", view.Check.Name)

	view, err = svc.SetStatus(ctx, checkID, domain.CheckStatusClose)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckStatusClose, view.Check.Status)

	_, err = svc.SetStatus(ctx, checkID, "WAT")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.Rename(ctx, checkID, "   ")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestValidationErrors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	checkID := createCheck(t, svc).Check.ID

	_, _, err := svc.AddItem(ctx, checkID, domain.ItemData{Name: "", Quantity: 1, Sum: 1})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = svc.AddItem(ctx, checkID, domain.ItemData{Name: "A", Quantity: 0, Sum: 1})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = svc.AddItem(ctx, checkID, domain.ItemData{Name: "A", Quantity: 1, Sum: -1})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = svc.EditItem(ctx, checkID, 404, domain.ItemData{Name: "A", Quantity: 1, Sum: 1})
	assert.ErrorIs(t, err, domain.ErrItemNotFound)

	_, err = svc.Rename(ctx, "no-such-check", "X")
	assert.ErrorIs(t, err, domain.ErrCheckNotFound)
}

func TestGetServesFromCache(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	checkID := createCheck(t, svc, domain.ItemData{Name: "A", Quantity: 1, Sum: 1}).Check.ID

	// Warm view is cached; a raw row change invisible to the service
	// is not reflected until the next refresh.
	require.NoError(t, db.Model(&domain.Check{}).Where("id = ?", checkID).
		Update("name", "changed-behind-the-back").Error)

	view, err := svc.Get(ctx, checkID)
	require.NoError(t, err)
	assert.Equal(t, "Dinner", view.Check.Name)

	_, err = svc.Join(ctx, checkID, 7)
	require.NoError(t, err)

	view, err = svc.Get(ctx, checkID)
	require.NoError(t, err)
	assert.Equal(t, "changed-behind-the-back", view.Check.Name)
}
