package source

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/langchou/cellgazer/internal/models"
)

// batteryNumberPattern 文件名中的电池编号，如 Ba01_ / Bb12_
var batteryNumberPattern = regexp.MustCompile(`B[ab](\d+)_`)

// Identity 从文件名和来源目录解析出的电池身份信息
type Identity struct {
	FileName      string
	BatteryNumber *int
	VoltageType   models.VoltageType
	CRate         *string
	StressTest    *string
}

// Battery 转换为待写入的电池记录
func (id Identity) Battery() *models.Battery {
	return &models.Battery{
		FileName:      id.FileName,
		BatteryNumber: id.BatteryNumber,
		VoltageType:   id.VoltageType,
		CRate:         id.CRate,
		StressTest:    id.StressTest,
	}
}

// Resolver 将导出文件映射为电池身份。
// 实现必须是纯函数，不得访问文件内容之外的状态。
type Resolver interface {
	Resolve(fileName string, voltage models.VoltageType) Identity
}

// FilenameResolver 按文件名约定解析：
//
//	Ba01_N20_OV1_300, 20% CF, 300 Cycles.xls
//	^^^^ ^^^ ^^^
//	编号  倍率 应力测试
type FilenameResolver struct{}

// NewFilenameResolver 创建文件名解析器
func NewFilenameResolver() *FilenameResolver {
	return &FilenameResolver{}
}

// Resolve 解析文件名。电池编号无法解析时为 nil（软失败）。
func (r *FilenameResolver) Resolve(fileName string, voltage models.VoltageType) Identity {
	id := Identity{
		FileName:    fileName,
		VoltageType: voltage,
	}

	if m := batteryNumberPattern.FindStringSubmatch(fileName); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			id.BatteryNumber = &n
		}
	}

	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	segments := strings.Split(stem, "_")
	id.CRate = segment(segments, 1)
	id.StressTest = segment(segments, 2)

	return id
}

func segment(segments []string, i int) *string {
	if i >= len(segments) {
		return nil
	}
	s := strings.TrimSpace(segments[i])
	if s == "" {
		return nil
	}
	return &s
}
