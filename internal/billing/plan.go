package billing

import (
	"strings"

	"resumeforge/internal/database"
)

// PriceTable 把支付方价格标识映射到付费层级。
type PriceTable struct {
	Pro      string
	Business string
}

// ResolvePlan 解析事件携带的层级：优先 metadata 中的显式标签，
// 其次按价格标识匹配。两者都解析不到时返回 false。
func (t PriceTable) ResolvePlan(metadataPlan, priceRef string) (database.Plan, bool) {
	switch database.Plan(strings.ToLower(strings.TrimSpace(metadataPlan))) {
	case database.PlanPro:
		return database.PlanPro, true
	case database.PlanBusiness:
		return database.PlanBusiness, true
	}

	switch {
	case priceRef != "" && priceRef == t.Pro:
		return database.PlanPro, true
	case priceRef != "" && priceRef == t.Business:
		return database.PlanBusiness, true
	}

	return "", false
}

// PriceFor 返回层级对应的价格标识。
func (t PriceTable) PriceFor(plan database.Plan) (string, bool) {
	switch plan {
	case database.PlanPro:
		return t.Pro, true
	case database.PlanBusiness:
		return t.Business, true
	}
	return "", false
}
