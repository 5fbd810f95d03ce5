package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB 数据库连接池封装
type DB struct {
	Pool *pgxpool.Pool
}

// DBTX 连接池与事务的公共方法，仓库可绑定任一者
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// New 创建数据库连接
func New(ctx context.Context, databaseURL string, maxConns int32) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// 连接池配置
	config.MaxConns = maxConns
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}

// InTx 在单个事务中执行 fn，fn 返回错误时回滚
func (db *DB) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, db.Pool, fn)
}

// Migrate 执行数据库迁移
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationCreateBatteries,
		migrationCreateCycleData,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// 数据库迁移 SQL
const migrationCreateBatteries = `
CREATE TABLE IF NOT EXISTS batteries (
    id BIGSERIAL PRIMARY KEY,
    file_name VARCHAR(255) NOT NULL UNIQUE,
    battery_number INT,
    voltage_type VARCHAR(10) NOT NULL CHECK (voltage_type IN ('normal', 'reduced')),
    c_rate TEXT,
    stress_test TEXT,

    -- 派生字段
    cycle_count INT NOT NULL DEFAULT 0,
    state_of_health DOUBLE PRECISION,
    overall_avg_temp DOUBLE PRECISION,
    overall_avg_discharge DOUBLE PRECISION,
    durability_score DOUBLE PRECISION,
    resilience_score DOUBLE PRECISION,
    balanced_score DOUBLE PRECISION,
    scored_at TIMESTAMP WITH TIME ZONE,

    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
-- 同一电压等级下，同一物理电池只能对应一个文件
CREATE UNIQUE INDEX IF NOT EXISTS idx_batteries_voltage_number
    ON batteries(voltage_type, battery_number) WHERE battery_number IS NOT NULL;
`

const migrationCreateCycleData = `
CREATE TABLE IF NOT EXISTS cycle_data (
    id BIGSERIAL PRIMARY KEY,
    battery_id BIGINT NOT NULL REFERENCES batteries(id) ON DELETE CASCADE,
    cycle_number INT NOT NULL,
    discharge_capacity DOUBLE PRECISION NOT NULL,
    charge_capacity DOUBLE PRECISION NOT NULL,
    avg_current DOUBLE PRECISION,
    avg_voltage DOUBLE PRECISION,
    avg_temp DOUBLE PRECISION NOT NULL,
    max_temp DOUBLE PRECISION NOT NULL,
    min_temp DOUBLE PRECISION NOT NULL,
    UNIQUE (battery_id, cycle_number)
);
CREATE INDEX IF NOT EXISTS idx_cycle_data_battery_id ON cycle_data(battery_id);
`
