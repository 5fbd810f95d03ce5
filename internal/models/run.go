package models

import "time"

// FileResult 单个文件的导入结果
type FileResult struct {
	FileName      string      `json:"file_name"`
	VoltageType   VoltageType `json:"voltage_type"`
	BatteryID     int64       `json:"battery_id,omitempty"`
	BatteryNumber *int        `json:"battery_number,omitempty"`
	Cycles        int         `json:"cycles"`
	Pruned        int64       `json:"pruned,omitempty"`
	Created       bool        `json:"created"`
	Error         string      `json:"error,omitempty"`
}

// RunReport 一次完整导入+评分的汇总
type RunReport struct {
	RunID             string        `json:"run_id"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        time.Time     `json:"finished_at"`
	Files             []*FileResult `json:"files"`
	FilesFailed       int           `json:"files_failed"`
	DirsMissing       []string      `json:"dirs_missing,omitempty"`
	BatteriesScored   int           `json:"batteries_scored"`
	BatteriesExcluded int           `json:"batteries_excluded"`
}
