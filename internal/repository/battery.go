package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/cellgazer/internal/models"
)

var ErrNotFound = errors.New("not found")

const batteryColumns = `id, file_name, battery_number, voltage_type, c_rate, stress_test,
	cycle_count, state_of_health, overall_avg_temp, overall_avg_discharge,
	durability_score, resilience_score, balanced_score, scored_at, created_at, updated_at`

// BatteryRepository 电池数据仓库
type BatteryRepository struct {
	q DBTX
}

// NewBatteryRepository 创建电池仓库
func NewBatteryRepository(db *DB) *BatteryRepository {
	return &BatteryRepository{q: db.Pool}
}

// WithTx 返回绑定到事务的仓库
func (r *BatteryRepository) WithTx(tx pgx.Tx) *BatteryRepository {
	return &BatteryRepository{q: tx}
}

// Upsert 按 file_name 创建或更新电池元数据，返回是否为新建。
// 重新导入以新解析的元数据为准；派生字段不受影响，元数据未变化时保留 updated_at。
func (r *BatteryRepository) Upsert(ctx context.Context, b *models.Battery) (bool, error) {
	query := `
		INSERT INTO batteries (file_name, battery_number, voltage_type, c_rate, stress_test, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (file_name) DO UPDATE SET
			battery_number = EXCLUDED.battery_number,
			voltage_type = EXCLUDED.voltage_type,
			c_rate = EXCLUDED.c_rate,
			stress_test = EXCLUDED.stress_test,
			updated_at = CASE
				WHEN (batteries.battery_number, batteries.voltage_type, batteries.c_rate, batteries.stress_test)
					IS DISTINCT FROM
					(EXCLUDED.battery_number, EXCLUDED.voltage_type, EXCLUDED.c_rate, EXCLUDED.stress_test)
				THEN EXCLUDED.updated_at
				ELSE batteries.updated_at
			END
		RETURNING id, created_at, updated_at, (xmax = 0) AS inserted
	`
	now := time.Now()
	var inserted bool
	err := r.q.QueryRow(ctx, query,
		b.FileName,
		b.BatteryNumber,
		string(b.VoltageType),
		b.CRate,
		b.StressTest,
		now,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt, &inserted)
	if err != nil {
		return false, fmt.Errorf("upsert battery: %w", err)
	}
	return inserted, nil
}

// SetCycleCount 更新循环数，数量不变时不改动 updated_at
func (r *BatteryRepository) SetCycleCount(ctx context.Context, id int64, count int) error {
	query := `
		UPDATE batteries SET
			cycle_count = $1,
			updated_at = CASE WHEN cycle_count IS DISTINCT FROM $1 THEN $2 ELSE updated_at END
		WHERE id = $3
	`
	_, err := r.q.Exec(ctx, query, count, time.Now(), id)
	if err != nil {
		return fmt.Errorf("set cycle count: %w", err)
	}
	return nil
}

// UpdateScores 写回评分派生字段（单条语句，按电池原子更新）
func (r *BatteryRepository) UpdateScores(ctx context.Context, b *models.Battery) error {
	query := `
		UPDATE batteries SET
			state_of_health = $1,
			overall_avg_temp = $2,
			overall_avg_discharge = $3,
			durability_score = $4,
			resilience_score = $5,
			balanced_score = $6,
			scored_at = $7
		WHERE id = $8
	`
	now := time.Now()
	tag, err := r.q.Exec(ctx, query,
		b.StateOfHealth,
		b.OverallAvgTemp,
		b.OverallAvgDischarge,
		b.DurabilityScore,
		b.ResilienceScore,
		b.BalancedScore,
		now,
		b.ID,
	)
	if err != nil {
		return fmt.Errorf("update scores: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update scores for battery %d: %w", b.ID, ErrNotFound)
	}
	b.ScoredAt = &now
	return nil
}

// GetByID 通过 ID 获取电池
func (r *BatteryRepository) GetByID(ctx context.Context, id int64) (*models.Battery, error) {
	b, err := scanBattery(r.q.QueryRow(ctx, `SELECT `+batteryColumns+` FROM batteries WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get battery by id: %w", err)
	}
	return b, nil
}

// GetByFileName 通过文件名获取电池
func (r *BatteryRepository) GetByFileName(ctx context.Context, fileName string) (*models.Battery, error) {
	b, err := scanBattery(r.q.QueryRow(ctx, `SELECT `+batteryColumns+` FROM batteries WHERE file_name = $1`, fileName))
	if err != nil {
		return nil, fmt.Errorf("get battery by file_name: %w", err)
	}
	return b, nil
}

// GetByNumber 通过电压等级和电池编号获取电池
func (r *BatteryRepository) GetByNumber(ctx context.Context, voltage models.VoltageType, number int) (*models.Battery, error) {
	b, err := scanBattery(r.q.QueryRow(ctx,
		`SELECT `+batteryColumns+` FROM batteries WHERE voltage_type = $1 AND battery_number = $2`,
		string(voltage), number,
	))
	if err != nil {
		return nil, fmt.Errorf("get battery by number: %w", err)
	}
	return b, nil
}

// ListFilter 列表过滤与排序
type ListFilter struct {
	VoltageType models.VoltageType // 空表示全部
	OrderBy     string             // 见 orderColumns
	ScoredOnly  bool
}

// orderColumns 允许的排序字段（白名单，直接拼接进 SQL）
var orderColumns = map[string]string{
	"":           "voltage_type, battery_number NULLS LAST, file_name",
	"number":     "voltage_type, battery_number NULLS LAST, file_name",
	"durability": "durability_score DESC NULLS LAST, id",
	"resilience": "resilience_score DESC NULLS LAST, id",
	"balanced":   "balanced_score DESC NULLS LAST, id",
	"soh":        "state_of_health DESC NULLS LAST, id",
}

// ValidOrder 是否为支持的排序字段
func ValidOrder(order string) bool {
	_, ok := orderColumns[order]
	return ok
}

// List 获取电池列表
func (r *BatteryRepository) List(ctx context.Context, f ListFilter) ([]*models.Battery, error) {
	order, ok := orderColumns[f.OrderBy]
	if !ok {
		return nil, fmt.Errorf("unknown order %q", f.OrderBy)
	}

	query := `SELECT ` + batteryColumns + ` FROM batteries
		WHERE ($1 = '' OR voltage_type = $1) AND (NOT $2 OR scored_at IS NOT NULL)
		ORDER BY ` + order
	rows, err := r.q.Query(ctx, query, string(f.VoltageType), f.ScoredOnly)
	if err != nil {
		return nil, fmt.Errorf("list batteries: %w", err)
	}
	defer rows.Close()

	var batteries []*models.Battery
	for rows.Next() {
		b, err := scanBattery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan battery: %w", err)
		}
		batteries = append(batteries, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list batteries: %w", err)
	}

	return batteries, nil
}

// ListWithCycles 获取全部电池及其循环（评分快照）
func (r *BatteryRepository) ListWithCycles(ctx context.Context) ([]*models.Battery, error) {
	batteries, err := r.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*models.Battery, len(batteries))
	for _, b := range batteries {
		byID[b.ID] = b
	}

	rows, err := r.q.Query(ctx, `SELECT `+cycleColumns+` FROM cycle_data ORDER BY battery_id, cycle_number`)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		if b, ok := byID[c.BatteryID]; ok {
			b.Cycles = append(b.Cycles, c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}

	return batteries, nil
}

// Delete 删除电池（循环数据级联删除）
func (r *BatteryRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM batteries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete battery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete battery %d: %w", id, ErrNotFound)
	}
	return nil
}

func scanBattery(row pgx.Row) (*models.Battery, error) {
	b := &models.Battery{}
	var voltage string
	err := row.Scan(
		&b.ID,
		&b.FileName,
		&b.BatteryNumber,
		&voltage,
		&b.CRate,
		&b.StressTest,
		&b.CycleCount,
		&b.StateOfHealth,
		&b.OverallAvgTemp,
		&b.OverallAvgDischarge,
		&b.DurabilityScore,
		&b.ResilienceScore,
		&b.BalancedScore,
		&b.ScoredAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.VoltageType = models.VoltageType(voltage)
	return b, nil
}
