package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/langchou/cellgazer/internal/config"
	"github.com/langchou/cellgazer/internal/cycle"
	"github.com/langchou/cellgazer/internal/models"
	"github.com/langchou/cellgazer/internal/repository"
	"github.com/langchou/cellgazer/internal/scoring"
	"github.com/langchou/cellgazer/internal/source"
	"github.com/langchou/cellgazer/internal/state"
	"github.com/langchou/cellgazer/pkg/ws"
)

// CycleWriter 单文件写入（每个文件一个事务）
type CycleWriter interface {
	Write(ctx context.Context, b *models.Battery, cycles []*models.CycleData) (*repository.WriteResult, error)
}

// FleetStore 评分所需的读写
type FleetStore interface {
	ListWithCycles(ctx context.Context) ([]*models.Battery, error)
	UpdateScores(ctx context.Context, b *models.Battery) error
}

// Pipeline 导入与评分流水线
type Pipeline struct {
	cfg      *config.Config
	logger   *zap.Logger
	resolver source.Resolver
	writer   CycleWriter
	fleet    FleetStore
	machine  *state.Machine
	wsHub    *ws.Hub // 可为 nil

	mu          sync.RWMutex
	subscribers []chan *RunEvent
	now         func() time.Time
}

// NewPipeline 创建流水线
func NewPipeline(
	cfg *config.Config,
	logger *zap.Logger,
	resolver source.Resolver,
	writer CycleWriter,
	fleet FleetStore,
	wsHub *ws.Hub,
) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		logger:   logger,
		resolver: resolver,
		writer:   writer,
		fleet:    fleet,
		wsHub:    wsHub,
		now:      time.Now,
	}
	p.machine = state.NewMachine(p.onStateChange)
	return p
}

// State 当前运行状态
func (p *Pipeline) State() *state.RunState {
	return p.machine.GetState()
}

// Running 是否有运行进行中
func (p *Pipeline) Running() bool {
	return p.machine.Running()
}

// Run 执行一次完整运行：按目录顺序导入全部文件，然后评分，最后写入运行标记。
// 单个文件失败只记录日志；评分阶段的存储失败会中止运行且不写标记。
func (p *Pipeline) Run(ctx context.Context) (*models.RunReport, error) {
	runID, err := p.begin()
	if err != nil {
		return nil, err
	}
	return p.execute(ctx, runID)
}

// Start 在后台执行一次运行并立即返回运行 ID；已有运行时返回 state.ErrRunInProgress
func (p *Pipeline) Start(ctx context.Context) (string, error) {
	runID, err := p.begin()
	if err != nil {
		return "", err
	}
	go func() {
		// 结果已记录日志并通过事件通知
		_, _ = p.execute(ctx, runID)
	}()
	return runID, nil
}

func (p *Pipeline) begin() (string, error) {
	runID := uuid.NewString()
	if err := p.machine.Begin(runID); err != nil {
		return "", err
	}
	return runID, nil
}

func (p *Pipeline) execute(ctx context.Context, runID string) (*models.RunReport, error) {
	log := p.logger.With(zap.String("run_id", runID))
	report := &models.RunReport{RunID: runID, StartedAt: p.now().UTC()}
	log.Info("Run started")
	p.emit(&RunEvent{Type: EventRunStarted, RunID: runID})

	files := p.scan(log, report)
	p.machine.UpdateState(func(s *state.RunState) { s.FilesTotal = len(files) })

	report.Files = p.ingestAll(ctx, log, runID, files)
	for _, fr := range report.Files {
		if fr.Error != "" {
			report.FilesFailed++
		}
	}

	if err := p.machine.Trigger(state.EventStartScoring); err != nil {
		return nil, p.fail(log, report, err)
	}

	if err := p.score(ctx, log, report); err != nil {
		return nil, p.fail(log, report, err)
	}

	report.FinishedAt = p.now().UTC()
	if err := WriteLastRun(p.cfg.LastRunFile, report.FinishedAt); err != nil {
		return nil, p.fail(log, report, err)
	}

	if err := p.machine.Trigger(state.EventFinish); err != nil {
		return nil, fmt.Errorf("finish run: %w", err)
	}

	log.Info("Run finished",
		zap.Int("files", len(report.Files)),
		zap.Int("files_failed", report.FilesFailed),
		zap.Int("batteries_scored", report.BatteriesScored),
		zap.Int("batteries_excluded", report.BatteriesExcluded),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
	)
	p.emit(&RunEvent{Type: EventRunScored, RunID: runID, Report: report})
	return report, nil
}

// scan 按配置顺序列出全部目录中的导出文件，缺失目录记录后跳过
func (p *Pipeline) scan(log *zap.Logger, report *models.RunReport) []source.File {
	var files []source.File
	for _, dir := range p.cfg.SourceDirs() {
		found, err := source.ScanDir(dir.Path, dir.VoltageType)
		if err != nil {
			if errors.Is(err, source.ErrDirNotFound) {
				report.DirsMissing = append(report.DirsMissing, dir.Path)
			}
			log.Warn("Skipping source directory", zap.String("dir", dir.Path), zap.Error(err))
			continue
		}
		log.Info("Scanned source directory",
			zap.String("dir", dir.Path),
			zap.String("voltage_type", string(dir.VoltageType)),
			zap.Int("files", len(found)),
		)
		files = append(files, found...)
	}
	return files
}

// ingestAll 导入全部文件，结果顺序与输入一致
func (p *Pipeline) ingestAll(ctx context.Context, log *zap.Logger, runID string, files []source.File) []*models.FileResult {
	results := make([]*models.FileResult, len(files))

	var g errgroup.Group
	g.SetLimit(max(p.cfg.IngestWorkers, 1))
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			fr := p.ingestFile(ctx, log, f)
			results[i] = fr

			p.machine.UpdateState(func(s *state.RunState) {
				s.FilesDone++
				if fr.Error != "" {
					s.FilesFailed++
				}
			})
			if fr.Error != "" {
				p.emit(&RunEvent{Type: EventFileFailed, RunID: runID, File: fr})
			} else {
				p.emit(&RunEvent{Type: EventFileIngested, RunID: runID, File: fr})
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// ingestFile 解析、汇总并写入单个文件
func (p *Pipeline) ingestFile(ctx context.Context, log *zap.Logger, f source.File) *models.FileResult {
	id := p.resolver.Resolve(f.Name, f.VoltageType)
	fr := &models.FileResult{
		FileName:      f.Name,
		VoltageType:   f.VoltageType,
		BatteryNumber: id.BatteryNumber,
	}
	log = log.With(zap.String("file", f.Name), zap.String("voltage_type", string(f.VoltageType)))

	if id.BatteryNumber == nil {
		log.Warn("Battery number not found in file name")
	}

	wb, err := source.Open(f.Path)
	if err != nil {
		log.Error("Failed to read workbook", zap.Error(err))
		fr.Error = err.Error()
		return fr
	}

	cycles, stats, err := cycle.Aggregate(wb)
	if err != nil {
		log.Error("Failed to aggregate cycles", zap.Error(err))
		fr.Error = err.Error()
		return fr
	}
	if len(stats.MissingOptional) > 0 {
		log.Warn("Optional columns missing", zap.Strings("columns", stats.MissingOptional))
	}
	if stats.Dropped > 0 {
		log.Debug("Dropped rows without numeric cycle index", zap.Int("dropped", stats.Dropped))
	}
	if len(cycles) == 0 {
		log.Warn("No valid cycles in workbook", zap.Int("rows", stats.Rows))
	}

	res, err := p.writer.Write(ctx, id.Battery(), cycles)
	if err != nil {
		log.Error("Failed to write battery", zap.Error(err))
		fr.Error = err.Error()
		return fr
	}

	fr.BatteryID = res.BatteryID
	fr.Cycles = res.Cycles
	fr.Pruned = res.Pruned
	fr.Created = res.Created
	if res.Pruned > 0 {
		log.Info("Pruned stale cycles", zap.Int64("pruned", res.Pruned))
	}
	log.Info("File ingested",
		zap.Int64("battery_id", res.BatteryID),
		zap.Int("cycles", res.Cycles),
		zap.Bool("created", res.Created),
	)
	return fr
}

// score 对当前存储的全部电池评分并写回
func (p *Pipeline) score(ctx context.Context, log *zap.Logger, report *models.RunReport) error {
	fleet, err := p.fleet.ListWithCycles(ctx)
	if err != nil {
		return fmt.Errorf("load fleet: %w", err)
	}

	byID := make(map[int64]*models.Battery, len(fleet))
	inputs := make([]scoring.Input, 0, len(fleet))
	for _, b := range fleet {
		byID[b.ID] = b
		inputs = append(inputs, scoring.InputFromBattery(b))
	}

	results, excluded := scoring.Score(inputs)
	for _, id := range excluded {
		log.Warn("Battery has no usable cycles, not scored",
			zap.Int64("battery_id", id),
			zap.String("file", byID[id].FileName),
		)
	}

	for _, r := range results {
		b := byID[r.BatteryID]
		r.Apply(b)
		if err := p.fleet.UpdateScores(ctx, b); err != nil {
			return fmt.Errorf("update scores for %s: %w", b.FileName, err)
		}
		log.Debug("Battery scored",
			zap.String("file", b.FileName),
			zap.Float64("soh", r.StateOfHealth),
			zap.Float64("balanced", r.BalancedScore),
		)
	}

	report.BatteriesScored = len(results)
	report.BatteriesExcluded = len(excluded)
	return nil
}

func (p *Pipeline) fail(log *zap.Logger, report *models.RunReport, cause error) error {
	log.Error("Run failed", zap.Error(cause))
	if err := p.machine.Fail(cause); err != nil {
		log.Warn("Failed to mark run as failed", zap.Error(err))
	}
	p.emit(&RunEvent{Type: EventRunFailed, RunID: report.RunID, Error: cause.Error()})
	return cause
}

func (p *Pipeline) onStateChange(from, to string) {
	p.logger.Info("Run state changed", zap.String("from", from), zap.String("to", to))
}
