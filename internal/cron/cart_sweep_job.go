package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/storebot/pkg/logger"
)

type cartSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// NewCartSweepJob deletes carts whose inactivity window has passed.
func NewCartSweepJob(logg *logger.Logger, carts cartSweeper) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if carts == nil {
		return nil, fmt.Errorf("cart service required")
	}
	return &cartSweepJob{logg: logg, carts: carts}, nil
}

type cartSweepJob struct {
	logg  *logger.Logger
	carts cartSweeper
}

func (j *cartSweepJob) Name() string { return "cart-sweep" }

func (j *cartSweepJob) Run(ctx context.Context) error {
	removed, err := j.carts.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep expired carts: %w", err)
	}
	j.logg.Info(j.logg.WithField(ctx, "carts_removed", removed), "cart sweep complete")
	return nil
}
