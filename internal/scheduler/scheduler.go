// Package scheduler runs periodic maintenance. Its single job today closes
// checks that have sat open without activity past the idle window.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/splitcheck/splitcheck/internal/check/domain"
	"github.com/splitcheck/splitcheck/internal/clock"
	"github.com/splitcheck/splitcheck/internal/event"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Config struct {
	// Interval between maintenance sweeps.
	Interval time.Duration

	// IdleWindow is how long an open check may go without updates before
	// the sweep closes it.
	IdleWindow time.Duration

	// BatchSize bounds how many checks one sweep touches.
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.IdleWindow <= 0 {
		c.IdleWindow = 14 * 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	return c
}

// Notifier fans event frames out to users. The connection manager satisfies
// it; a nil notifier skips delivery.
type Notifier interface {
	SendToUsers(ctx context.Context, userIDs []int64, message []byte)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Notifier Notifier `optional:"true"`
	Config   Config   `optional:"true"`
}

type Scheduler struct {
	db     *gorm.DB
	log    *zap.Logger
	cfg    Config
	clock  clock.Clock
	notify Notifier
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:     p.DB,
		log:    p.Log.Named("scheduler"),
		cfg:    p.Config.withDefaults(),
		clock:  p.Clock,
		notify: p.Notifier,
	}, nil
}

// RunForever sweeps on the configured interval until ctx is done.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Error("maintenance sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single maintenance sweep.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.closeStaleChecks(ctx)
}

func (s *Scheduler) closeStaleChecks(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.IdleWindow)

	var stale []string
	err := s.db.WithContext(ctx).Model(&domain.Check{}).
		Where("status = ? AND updated_at < ?", domain.CheckStatusOpen, cutoff).
		Order("updated_at").
		Limit(s.cfg.BatchSize).
		Pluck("id", &stale).Error
	if err != nil {
		return fmt.Errorf("list stale checks: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&domain.Check{}).
		Where("id IN ?", stale).
		Update("status", domain.CheckStatusClose)
	if res.Error != nil {
		return fmt.Errorf("close stale checks: %w", res.Error)
	}

	s.log.Info("closed stale checks",
		zap.Int64("count", res.RowsAffected),
		zap.Time("cutoff", cutoff),
	)

	s.notifyClosed(ctx, stale)
	return nil
}

type statusEventPayload struct {
	CheckUUID string             `json:"check_uuid"`
	Status    domain.CheckStatus `json:"status"`
}

// notifyClosed tells the members of each swept check that it was closed,
// the same event a user-initiated status change broadcasts.
func (s *Scheduler) notifyClosed(ctx context.Context, checkIDs []string) {
	if s.notify == nil {
		return
	}

	for _, checkID := range checkIDs {
		var members []int64
		err := s.db.WithContext(ctx).Model(&domain.UserCheck{}).
			Where("check_id = ?", checkID).
			Pluck("user_id", &members).Error
		if err != nil {
			s.log.Warn("member lookup for close notice failed",
				zap.String("check_id", checkID), zap.Error(err))
			continue
		}
		if len(members) == 0 {
			continue
		}

		msg, err := event.NewMessage(event.CheckStatusEvent, statusEventPayload{
			CheckUUID: checkID,
			Status:    domain.CheckStatusClose,
		})
		if err != nil {
			s.log.Error("encode close notice", zap.Error(err))
			continue
		}
		frame, err := msg.Encode()
		if err != nil {
			s.log.Error("encode close notice frame", zap.Error(err))
			continue
		}
		s.notify.SendToUsers(ctx, members, frame)
	}
}
