package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/langchou/cellgazer/internal/models"
)

// ErrDuplicateBattery 同一电压等级下的电池编号已被其他文件占用
var ErrDuplicateBattery = errors.New("battery number already used by another file")

const uniqueViolation = "23505"

// WriteResult 单个文件写入结果
type WriteResult struct {
	BatteryID int64
	Created   bool
	Cycles    int
	Pruned    int64
}

// Writer 在单个事务中写入电池及其循环汇总。
// 重复导入同一文件结果一致；prune 关闭时保留旧导入遗留的循环。
type Writer struct {
	db    *DB
	prune bool
}

// NewWriter 创建写入器
func NewWriter(db *DB, prune bool) *Writer {
	return &Writer{db: db, prune: prune}
}

// Write 写入电池元数据与循环，并将 cycle_count 设置为本次循环数
func (w *Writer) Write(ctx context.Context, b *models.Battery, cycles []*models.CycleData) (*WriteResult, error) {
	res := &WriteResult{Cycles: len(cycles)}

	err := w.db.InTx(ctx, func(tx pgx.Tx) error {
		batteries := (&BatteryRepository{}).WithTx(tx)
		cycleRepo := (&CycleRepository{}).WithTx(tx)

		created, err := batteries.Upsert(ctx, b)
		if err != nil {
			return err
		}
		res.BatteryID = b.ID
		res.Created = created

		if err := cycleRepo.UpsertBatch(ctx, b.ID, cycles); err != nil {
			return err
		}

		if w.prune {
			keep := make([]int, 0, len(cycles))
			for _, c := range cycles {
				keep = append(keep, c.CycleNumber)
			}
			pruned, err := cycleRepo.DeleteNotIn(ctx, b.ID, keep)
			if err != nil {
				return err
			}
			res.Pruned = pruned
		}

		if err := batteries.SetCycleCount(ctx, b.ID, len(cycles)); err != nil {
			return err
		}
		b.CycleCount = len(cycles)
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "idx_batteries_voltage_number" {
			return nil, fmt.Errorf("write %s: %w", b.FileName, ErrDuplicateBattery)
		}
		return nil, fmt.Errorf("write %s: %w", b.FileName, err)
	}

	return res, nil
}
