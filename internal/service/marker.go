package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WriteLastRun 写入运行完成时间（单行 RFC3339 UTC），先写临时文件再重命名
func WriteLastRun(path string, t time.Time) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create marker dir: %w", err)
		}
	}

	tmp := path + ".tmp"
	content := t.UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write last run marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write last run marker: %w", err)
	}
	return nil
}

// ReadLastRun 读取上次运行时间；文件不存在时返回的错误满足 errors.Is(err, os.ErrNotExist)
func ReadLastRun(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("read last run marker: %w", err)
	}

	t, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last run marker: %w", err)
	}
	return t, nil
}
