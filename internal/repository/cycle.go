package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/cellgazer/internal/models"
)

const cycleColumns = `id, battery_id, cycle_number, discharge_capacity, charge_capacity,
	avg_current, avg_voltage, avg_temp, max_temp, min_temp`

// CycleRepository 循环数据仓库
type CycleRepository struct {
	q DBTX
}

// NewCycleRepository 创建循环仓库
func NewCycleRepository(db *DB) *CycleRepository {
	return &CycleRepository{q: db.Pool}
}

// WithTx 返回绑定到事务的仓库
func (r *CycleRepository) WithTx(tx pgx.Tx) *CycleRepository {
	return &CycleRepository{q: tx}
}

// UpsertBatch 按 (battery_id, cycle_number) 批量创建或覆盖循环汇总
func (r *CycleRepository) UpsertBatch(ctx context.Context, batteryID int64, cycles []*models.CycleData) error {
	if len(cycles) == 0 {
		return nil
	}

	query := `
		INSERT INTO cycle_data (
			battery_id, cycle_number, discharge_capacity, charge_capacity,
			avg_current, avg_voltage, avg_temp, max_temp, min_temp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (battery_id, cycle_number) DO UPDATE SET
			discharge_capacity = EXCLUDED.discharge_capacity,
			charge_capacity = EXCLUDED.charge_capacity,
			avg_current = EXCLUDED.avg_current,
			avg_voltage = EXCLUDED.avg_voltage,
			avg_temp = EXCLUDED.avg_temp,
			max_temp = EXCLUDED.max_temp,
			min_temp = EXCLUDED.min_temp
		RETURNING id
	`

	batch := &pgx.Batch{}
	for _, c := range cycles {
		batch.Queue(query,
			batteryID,
			c.CycleNumber,
			c.DischargeCapacity,
			c.ChargeCapacity,
			c.AvgCurrent,
			c.AvgVoltage,
			c.AvgTemp,
			c.MaxTemp,
			c.MinTemp,
		)
	}

	br := r.q.SendBatch(ctx, batch)
	defer br.Close()

	for _, c := range cycles {
		if err := br.QueryRow().Scan(&c.ID); err != nil {
			return fmt.Errorf("upsert cycle %d: %w", c.CycleNumber, err)
		}
		c.BatteryID = batteryID
	}

	return br.Close()
}

// DeleteNotIn 删除本次导入中不存在的循环，返回删除条数
func (r *CycleRepository) DeleteNotIn(ctx context.Context, batteryID int64, keep []int) (int64, error) {
	if keep == nil {
		keep = []int{}
	}
	tag, err := r.q.Exec(ctx,
		`DELETE FROM cycle_data WHERE battery_id = $1 AND NOT (cycle_number = ANY($2))`,
		batteryID, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("delete stale cycles: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByBatteryID 统计电池已存储的循环数
func (r *CycleRepository) CountByBatteryID(ctx context.Context, batteryID int64) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM cycle_data WHERE battery_id = $1`, batteryID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cycles: %w", err)
	}
	return n, nil
}

// ListByBatteryID 获取电池的循环列表，按循环编号升序
func (r *CycleRepository) ListByBatteryID(ctx context.Context, batteryID int64) ([]*models.CycleData, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+cycleColumns+` FROM cycle_data WHERE battery_id = $1 ORDER BY cycle_number`,
		batteryID,
	)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var cycles []*models.CycleData
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}

	return cycles, nil
}

func scanCycle(row pgx.Row) (*models.CycleData, error) {
	c := &models.CycleData{}
	err := row.Scan(
		&c.ID,
		&c.BatteryID,
		&c.CycleNumber,
		&c.DischargeCapacity,
		&c.ChargeCapacity,
		&c.AvgCurrent,
		&c.AvgVoltage,
		&c.AvgTemp,
		&c.MaxTemp,
		&c.MinTemp,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}
