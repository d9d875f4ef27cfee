package tasks

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

// 任务类型常量，确保队列生产者与消费者一致。
const (
	TypePlanSweep = "plan:sweep_expired"
)

// PlanSweepPayload 描述一次到期层级清扫所携带的信息。
// AsOf 为判定到期的时间基准，零值表示入队时刻。
type PlanSweepPayload struct {
	AsOf time.Time `json:"as_of"`
}

// NewPlanSweepTask 构造一个到期付费层级清扫任务。
func NewPlanSweepTask(asOf time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(PlanSweepPayload{AsOf: asOf})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePlanSweep, payload), nil
}
