package models

import "time"

// VoltageType 电压等级（由数据来源目录决定）
type VoltageType string

const (
	VoltageNormal  VoltageType = "normal"
	VoltageReduced VoltageType = "reduced"
)

// Valid 是否为已知的电压等级
func (v VoltageType) Valid() bool {
	return v == VoltageNormal || v == VoltageReduced
}

// Battery 电池信息
type Battery struct {
	ID            int64       `json:"id" db:"id"`
	FileName      string      `json:"file_name" db:"file_name"`
	BatteryNumber *int        `json:"battery_number" db:"battery_number"`
	VoltageType   VoltageType `json:"voltage_type" db:"voltage_type"`
	CRate         *string     `json:"c_rate,omitempty" db:"c_rate"`
	StressTest    *string     `json:"stress_test,omitempty" db:"stress_test"`

	// 派生字段，由 Writer (cycle_count) 和 Scorer 写入
	CycleCount          int      `json:"cycle_count" db:"cycle_count"`
	StateOfHealth       *float64 `json:"state_of_health,omitempty" db:"state_of_health"`             // 健康度 (%)
	OverallAvgTemp      *float64 `json:"overall_avg_temp,omitempty" db:"overall_avg_temp"`           // 全部循环平均温度
	OverallAvgDischarge *float64 `json:"overall_avg_discharge,omitempty" db:"overall_avg_discharge"` // 全部循环平均放电容量 (Ah)
	DurabilityScore     *float64 `json:"durability_score,omitempty" db:"durability_score"`
	ResilienceScore     *float64 `json:"resilience_score,omitempty" db:"resilience_score"`
	BalancedScore       *float64 `json:"balanced_score,omitempty" db:"balanced_score"`

	ScoredAt  *time.Time `json:"scored_at,omitempty" db:"scored_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`

	// 详情接口嵌套返回
	Cycles []*CycleData `json:"cycles,omitempty" db:"-"`
}
