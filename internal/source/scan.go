package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/langchou/cellgazer/internal/models"
)

var ErrDirNotFound = errors.New("source directory not found")

// exportExtensions 支持的导出文件扩展名
var exportExtensions = map[string]bool{
	".xls":  true,
	".xlsx": true,
	".csv":  true,
}

// File 待导入的导出文件
type File struct {
	Path        string
	Name        string
	VoltageType models.VoltageType
}

// ScanDir 列出目录下的导出文件（按文件名排序）
func ScanDir(dir string, voltage models.VoltageType) ([]File, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDirNotFound, dir)
		}
		return nil, fmt.Errorf("stat source dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrDirNotFound, dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read source dir: %w", err)
	}

	var files []File
	for _, e := range entries {
		if e.IsDir() || !IsExportFile(e.Name()) {
			continue
		}
		files = append(files, File{
			Path:        filepath.Join(dir, e.Name()),
			Name:        e.Name(),
			VoltageType: voltage,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// IsExportFile 是否为可导入的导出文件（跳过 Office 锁文件）
func IsExportFile(name string) bool {
	if strings.HasPrefix(name, "~$") || strings.HasPrefix(name, ".") {
		return false
	}
	return exportExtensions[strings.ToLower(filepath.Ext(name))]
}
