package models

// CycleData 单次充放电循环汇总
type CycleData struct {
	ID                int64    `json:"id" db:"id"`
	BatteryID         int64    `json:"battery_id" db:"battery_id"`
	CycleNumber       int      `json:"cycle_number" db:"cycle_number"`
	DischargeCapacity float64  `json:"discharge_capacity" db:"discharge_capacity"` // Ah
	ChargeCapacity    float64  `json:"charge_capacity" db:"charge_capacity"`       // Ah
	AvgCurrent        *float64 `json:"avg_current,omitempty" db:"avg_current"`     // A
	AvgVoltage        *float64 `json:"avg_voltage,omitempty" db:"avg_voltage"`     // V
	AvgTemp           float64  `json:"avg_temp" db:"avg_temp"`                     // 平均温度 (C)
	MaxTemp           float64  `json:"max_temp" db:"max_temp"`                     // 最高温度 (C)
	MinTemp           float64  `json:"min_temp" db:"min_temp"`                     // 最低温度 (C)
}
