package scoring

import (
	"math"

	"github.com/langchou/cellgazer/internal/models"
)

// neutralNorm 全体电池取值相同时的归一化结果
const neutralNorm = 0.5

// Weights 循环次数与健康度的权重
type Weights struct {
	Cycles float64
	SOH    float64
}

var (
	DurabilityWeights = Weights{Cycles: 0.7, SOH: 0.3}
	ResilienceWeights = Weights{Cycles: 0.3, SOH: 0.7}
	BalancedWeights   = Weights{Cycles: 0.5, SOH: 0.5}
)

// CycleSample 评分所需的循环字段
type CycleSample struct {
	CycleNumber       int
	DischargeCapacity float64
	AvgTemp           float64
}

// Input 单个电池的评分输入快照
type Input struct {
	BatteryID  int64
	CycleCount int
	Cycles     []CycleSample
}

// Result 单个电池的派生指标
type Result struct {
	BatteryID           int64
	StateOfHealth       float64
	OverallAvgTemp      float64
	OverallAvgDischarge float64
	NormSOH             float64
	NormCycles          float64
	DurabilityScore     float64
	ResilienceScore     float64
	BalancedScore       float64
}

// Apply 将结果写入电池记录的派生字段
func (r Result) Apply(b *models.Battery) {
	b.StateOfHealth = float64Ptr(r.StateOfHealth)
	b.OverallAvgTemp = float64Ptr(r.OverallAvgTemp)
	b.OverallAvgDischarge = float64Ptr(r.OverallAvgDischarge)
	b.DurabilityScore = float64Ptr(r.DurabilityScore)
	b.ResilienceScore = float64Ptr(r.ResilienceScore)
	b.BalancedScore = float64Ptr(r.BalancedScore)
}

// InputFromBattery 从已加载循环的电池构造评分输入
func InputFromBattery(b *models.Battery) Input {
	in := Input{
		BatteryID:  b.ID,
		CycleCount: b.CycleCount,
		Cycles:     make([]CycleSample, 0, len(b.Cycles)),
	}
	for _, c := range b.Cycles {
		in.Cycles = append(in.Cycles, CycleSample{
			CycleNumber:       c.CycleNumber,
			DischargeCapacity: c.DischargeCapacity,
			AvgTemp:           c.AvgTemp,
		})
	}
	return in
}

// Score 对整个电池集合评分。没有可用循环（放电容量 > 0）的电池
// 不参与单体与全体归一化计算，其 ID 在 excluded 中返回。
// 输入不会被修改。
func Score(inputs []Input) (results []Result, excluded []int64) {
	var counts []float64
	for _, in := range inputs {
		r, ok := scoreBattery(in)
		if !ok {
			excluded = append(excluded, in.BatteryID)
			continue
		}
		results = append(results, r)
		counts = append(counts, float64(in.CycleCount))
	}
	if len(results) == 0 {
		return nil, excluded
	}

	// 全体归一化
	minSOH, maxSOH := results[0].StateOfHealth, results[0].StateOfHealth
	minCycles, maxCycles := counts[0], counts[0]
	for i := range results[1:] {
		minSOH = math.Min(minSOH, results[i+1].StateOfHealth)
		maxSOH = math.Max(maxSOH, results[i+1].StateOfHealth)
		minCycles = math.Min(minCycles, counts[i+1])
		maxCycles = math.Max(maxCycles, counts[i+1])
	}

	for i := range results {
		r := &results[i]
		r.NormSOH = normalize(r.StateOfHealth, minSOH, maxSOH)
		r.NormCycles = normalize(counts[i], minCycles, maxCycles)
		r.DurabilityScore = weighted(DurabilityWeights, r.NormCycles, r.NormSOH)
		r.ResilienceScore = weighted(ResilienceWeights, r.NormCycles, r.NormSOH)
		r.BalancedScore = weighted(BalancedWeights, r.NormCycles, r.NormSOH)
	}
	return results, excluded
}

// scoreBattery 单体指标：健康度与总体平均值
func scoreBattery(in Input) (Result, bool) {
	var first, last *CycleSample
	for i := range in.Cycles {
		c := &in.Cycles[i]
		if c.DischargeCapacity <= 0 {
			continue
		}
		if first == nil || c.CycleNumber < first.CycleNumber {
			first = c
		}
		if last == nil || c.CycleNumber > last.CycleNumber {
			last = c
		}
	}
	if first == nil {
		return Result{}, false
	}

	r := Result{BatteryID: in.BatteryID}
	if first.DischargeCapacity > 0 {
		r.StateOfHealth = round(100*last.DischargeCapacity/first.DischargeCapacity, 2)
	}

	// 总体平均基于全部循环，而非仅可用循环
	var sumTemp, sumDischarge float64
	for _, c := range in.Cycles {
		sumTemp += c.AvgTemp
		sumDischarge += c.DischargeCapacity
	}
	n := float64(len(in.Cycles))
	r.OverallAvgTemp = sumTemp / n
	r.OverallAvgDischarge = sumDischarge / n

	return r, true
}

func normalize(v, lo, hi float64) float64 {
	span := hi - lo
	if span <= 0 {
		return neutralNorm
	}
	return (v - lo) / span
}

func weighted(w Weights, normCycles, normSOH float64) float64 {
	return round(w.Cycles*normCycles+w.SOH*normSOH, 4)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func float64Ptr(v float64) *float64 {
	return &v
}
