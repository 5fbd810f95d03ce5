package cycle

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/langchou/cellgazer/internal/models"
	"github.com/langchou/cellgazer/internal/source"
)

// 导出文件列名（区分大小写）
const (
	ColCycleIndex  = "Cycle_Index"
	ColDischarge   = "Discharge_Capacity(Ah)"
	ColCharge      = "Charge_Capacity(Ah)"
	ColCurrent     = "Current(A)"
	ColVoltage     = "Voltage(V)"
	ColTemperature = "temperature_c" // 规范化后的温度列
)

// temperatureAliases 温度列在不同测试仪导出中的名称
var temperatureAliases = []string{
	"Temperature (C)_1",
	"Temperature (C)",
	"Aux_Temperature_1(C)",
	ColTemperature,
}

var ErrMissingColumns = errors.New("missing required columns")

// Stats 聚合过程统计，用于日志
type Stats struct {
	Rows            int      // 参与聚合的工作表数据行
	Dropped         int      // 循环编号无法解析而丢弃的行
	SheetsUsed      int      // 含循环编号列的工作表
	SheetsSkipped   []string // 不含循环编号列的工作表
	MissingOptional []string // 所有工作表都缺失的可选列
}

// metric 单个指标的累加器
type metric struct {
	sum   float64
	min   float64
	max   float64
	count int
}

func (m *metric) add(v float64) {
	if m.count == 0 {
		m.min, m.max = v, v
	} else {
		m.min = math.Min(m.min, v)
		m.max = math.Max(m.max, v)
	}
	m.sum += v
	m.count++
}

func (m *metric) mean() (float64, bool) {
	if m.count == 0 {
		return 0, false
	}
	return m.sum / float64(m.count), true
}

func (m *metric) maxOrZero() float64 {
	if m.count == 0 {
		return 0
	}
	return m.max
}

func (m *metric) minOrZero() float64 {
	if m.count == 0 {
		return 0
	}
	return m.min
}

// accumulator 单个循环内全部指标
type accumulator struct {
	discharge metric
	charge    metric
	current   metric
	voltage   metric
	temp      metric
}

func (a *accumulator) finalize(cycleNumber int) *models.CycleData {
	cd := &models.CycleData{
		CycleNumber:       cycleNumber,
		DischargeCapacity: a.discharge.maxOrZero(),
		ChargeCapacity:    a.charge.maxOrZero(),
		MaxTemp:           a.temp.maxOrZero(),
		MinTemp:           a.temp.minOrZero(),
	}
	cd.AvgTemp, _ = a.temp.mean()
	if v, ok := a.current.mean(); ok {
		cd.AvgCurrent = &v
	}
	if v, ok := a.voltage.mean(); ok {
		cd.AvgVoltage = &v
	}
	return cd
}

// columns 表头中各列的位置，-1 表示缺失
type columns struct {
	cycle, discharge, charge, current, voltage, temp int
}

func resolveColumns(header []string) columns {
	cols := columns{-1, -1, -1, -1, -1, -1}
	for i, name := range header {
		name = strings.TrimSpace(name)
		switch name {
		case ColCycleIndex:
			cols.cycle = i
		case ColDischarge:
			cols.discharge = i
		case ColCharge:
			cols.charge = i
		case ColCurrent:
			cols.current = i
		case ColVoltage:
			cols.voltage = i
		}
		if cols.temp < 0 && isTemperature(name) {
			cols.temp = i
		}
	}
	return cols
}

func (c columns) missingRequired() []string {
	var missing []string
	if c.discharge < 0 {
		missing = append(missing, ColDischarge)
	}
	if c.charge < 0 {
		missing = append(missing, ColCharge)
	}
	if c.temp < 0 {
		missing = append(missing, temperatureAliases[0])
	}
	return missing
}

func isTemperature(name string) bool {
	for _, alias := range temperatureAliases {
		if name == alias {
			return true
		}
	}
	return false
}

// Aggregate 将导出文件的所有工作表合并，并按循环编号汇总为每循环一条记录，
// 结果按循环编号升序。循环编号无法解析为数字的行被丢弃。
func Aggregate(wb *source.Workbook) ([]*models.CycleData, Stats, error) {
	var stats Stats
	groups := make(map[int]*accumulator)
	sawCurrent, sawVoltage := false, false

	for _, sheet := range wb.Sheets {
		cols := resolveColumns(sheet.Header())
		if cols.cycle < 0 {
			stats.SheetsSkipped = append(stats.SheetsSkipped, sheet.Name)
			continue
		}
		if missing := cols.missingRequired(); len(missing) > 0 {
			return nil, stats, fmt.Errorf("%w in sheet %q: %s", ErrMissingColumns, sheet.Name, strings.Join(missing, ", "))
		}

		stats.SheetsUsed++
		sawCurrent = sawCurrent || cols.current >= 0
		sawVoltage = sawVoltage || cols.voltage >= 0

		for _, row := range sheet.Rows[1:] {
			stats.Rows++

			n, ok := parseCycleIndex(cell(row, cols.cycle))
			if !ok {
				stats.Dropped++
				continue
			}

			acc, ok := groups[n]
			if !ok {
				acc = &accumulator{}
				groups[n] = acc
			}
			addCell(&acc.discharge, row, cols.discharge)
			addCell(&acc.charge, row, cols.charge)
			addCell(&acc.current, row, cols.current)
			addCell(&acc.voltage, row, cols.voltage)
			addCell(&acc.temp, row, cols.temp)
		}
	}

	if stats.SheetsUsed == 0 {
		return nil, stats, fmt.Errorf("%w: no sheet has %s", ErrMissingColumns, ColCycleIndex)
	}
	if !sawCurrent {
		stats.MissingOptional = append(stats.MissingOptional, ColCurrent)
	}
	if !sawVoltage {
		stats.MissingOptional = append(stats.MissingOptional, ColVoltage)
	}

	numbers := make([]int, 0, len(groups))
	for n := range groups {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	cycles := make([]*models.CycleData, 0, len(numbers))
	for _, n := range numbers {
		cycles = append(cycles, groups[n].finalize(n))
	}
	return cycles, stats, nil
}

// parseCycleIndex 数值化循环编号，小数向零截断
func parseCycleIndex(s string) (int, bool) {
	v, ok := parseNumber(s)
	if !ok {
		return 0, false
	}
	v = math.Trunc(v)
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, false
	}
	return int(v), true
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func addCell(m *metric, row []string, idx int) {
	if v, ok := parseNumber(cell(row, idx)); ok {
		m.add(v)
	}
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}
