package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"resumeforge/internal/database"
	"resumeforge/internal/tasks"
)

// PlanSweepHandler 负责消费到期付费层级清扫任务。
// 清扫是惰性降级的兜底：即使用户长期不访问，权益也会在到期后被回收。
type PlanSweepHandler struct {
	users  *database.UserStore
	logger *slog.Logger
}

// NewPlanSweepHandler 创建任务处理器。
func NewPlanSweepHandler(users *database.UserStore, logger *slog.Logger) *PlanSweepHandler {
	return &PlanSweepHandler{users: users, logger: logger}
}

// ProcessTask 实现 asynq.Handler。
func (h *PlanSweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload tasks.PlanSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal plan sweep payload: %w", err)
	}

	asOf := payload.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}

	downgraded, err := h.users.DowngradeAllExpired(ctx, asOf)
	if err != nil {
		return fmt.Errorf("downgrade expired plans: %w", err)
	}

	if downgraded > 0 {
		h.logger.Info("expired plans downgraded",
			slog.Int64("count", downgraded),
			slog.Time("as_of", asOf),
		)
	}
	return nil
}
