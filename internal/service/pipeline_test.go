package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/langchou/cellgazer/internal/config"
	"github.com/langchou/cellgazer/internal/models"
	"github.com/langchou/cellgazer/internal/repository"
	"github.com/langchou/cellgazer/internal/source"
	"github.com/langchou/cellgazer/internal/state"
	"github.com/langchou/cellgazer/pkg/ws"
)

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

type memBattery struct {
	battery *models.Battery
	cycles  map[int]*models.CycleData
}

// memStore 同时实现 CycleWriter 与 FleetStore
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	byFile    map[string]*memBattery
	failScore error
	block     chan struct{} // 非 nil 时 Write 等待关闭
}

func newMemStore() *memStore {
	return &memStore{byFile: make(map[string]*memBattery)}
}

func (s *memStore) Write(ctx context.Context, b *models.Battery, cycles []*models.CycleData) (*repository.WriteResult, error) {
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := &repository.WriteResult{Cycles: len(cycles)}
	mb, ok := s.byFile[b.FileName]
	if !ok {
		s.nextID++
		mb = &memBattery{battery: &models.Battery{ID: s.nextID}, cycles: make(map[int]*models.CycleData)}
		s.byFile[b.FileName] = mb
		res.Created = true
	}

	mb.battery.FileName = b.FileName
	mb.battery.BatteryNumber = b.BatteryNumber
	mb.battery.VoltageType = b.VoltageType
	mb.battery.CRate = b.CRate
	mb.battery.StressTest = b.StressTest
	mb.battery.CycleCount = len(cycles)
	for _, c := range cycles {
		stored := *c
		stored.BatteryID = mb.battery.ID
		mb.cycles[c.CycleNumber] = &stored
	}

	res.BatteryID = mb.battery.ID
	return res, nil
}

func (s *memStore) ListWithCycles(ctx context.Context) ([]*models.Battery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Battery
	for _, mb := range s.byFile {
		b := *mb.battery
		b.Cycles = nil
		for _, c := range mb.cycles {
			cp := *c
			b.Cycles = append(b.Cycles, &cp)
		}
		sort.Slice(b.Cycles, func(i, j int) bool { return b.Cycles[i].CycleNumber < b.Cycles[j].CycleNumber })
		out = append(out, &b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpdateScores(ctx context.Context, b *models.Battery) error {
	if s.failScore != nil {
		return s.failScore
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mb := range s.byFile {
		if mb.battery.ID == b.ID {
			mb.battery.StateOfHealth = b.StateOfHealth
			mb.battery.OverallAvgTemp = b.OverallAvgTemp
			mb.battery.OverallAvgDischarge = b.OverallAvgDischarge
			mb.battery.DurabilityScore = b.DurabilityScore
			mb.battery.ResilienceScore = b.ResilienceScore
			mb.battery.BalancedScore = b.BalancedScore
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *memStore) get(t *testing.T, fileName string) *memBattery {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.byFile[fileName]
	require.True(t, ok, "battery %s not stored", fileName)
	return mb
}

// ============================================================================
// TEST HELPERS
// ============================================================================

// writeExport 写入一个单工作表导出文件，每个放电容量对应一个循环
func writeExport(t *testing.T, dir, name string, capacities ...float64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Channel_1-008"
	require.NoError(t, f.SetSheetName("Sheet1", sheet))

	header := []interface{}{
		"Data_Point", "Cycle_Index", "Current(A)", "Voltage(V)",
		"Charge_Capacity(Ah)", "Discharge_Capacity(Ah)", "Temperature (C)_1",
	}
	require.NoError(t, f.SetSheetRow(sheet, "A1", &header))

	for i, c := range capacities {
		row := []interface{}{i + 1, i + 1, 1.5, 3.7, c + 0.1, c, 25.0}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}

	// SaveAs 只接受 .xlsx 等扩展名，仪器导出常以 .xls 命名
	out, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer out.Close()
	require.NoError(t, f.Write(out))
}

type fixture struct {
	cfg   *config.Config
	store *memStore
	p     *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	cfg := &config.Config{
		NormalVoltageDir:  filepath.Join(root, "normal_voltage"),
		ReducedVoltageDir: filepath.Join(root, "reduced_voltage"),
		LastRunFile:       filepath.Join(root, "last_run.txt"),
		IngestWorkers:     1,
	}
	store := newMemStore()
	p := NewPipeline(cfg, zap.NewNop(), source.NewFilenameResolver(), store, store, nil)
	return &fixture{cfg: cfg, store: store, p: p}
}

func drain(ch <-chan *RunEvent) []string {
	var types []string
	for {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		default:
			return types
		}
	}
}

// ============================================================================
// END TO END
// ============================================================================

func TestPipeline_EndToEnd(t *testing.T) {
	fx := newFixture(t)
	writeExport(t, fx.cfg.NormalVoltageDir, "Ba01_N20_OV1_300.xls", 2.0, 1.9, 1.8)
	writeExport(t, fx.cfg.NormalVoltageDir, "Ba02_N20_OV1_300.xls", 2.0, 1.0)
	events := fx.p.Subscribe()

	report, err := fx.p.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Len(t, report.Files, 2)
	assert.Zero(t, report.FilesFailed)
	assert.Equal(t, []string{fx.cfg.ReducedVoltageDir}, report.DirsMissing)
	assert.Equal(t, 2, report.BatteriesScored)
	assert.Zero(t, report.BatteriesExcluded)

	b1 := fx.store.get(t, "Ba01_N20_OV1_300.xls").battery
	b2 := fx.store.get(t, "Ba02_N20_OV1_300.xls").battery

	require.NotNil(t, b1.BatteryNumber)
	assert.Equal(t, 1, *b1.BatteryNumber)
	assert.Equal(t, models.VoltageNormal, b1.VoltageType)
	assert.Equal(t, "N20", *b1.CRate)
	assert.Equal(t, "OV1", *b1.StressTest)
	assert.Equal(t, 3, b1.CycleCount)
	assert.Equal(t, 2, b2.CycleCount)

	require.NotNil(t, b1.StateOfHealth)
	assert.Equal(t, 90.0, *b1.StateOfHealth)
	assert.Equal(t, 50.0, *b2.StateOfHealth)
	assert.Greater(t, *b1.DurabilityScore, *b2.DurabilityScore)
	assert.Greater(t, *b1.BalancedScore, *b2.BalancedScore)

	last, err := ReadLastRun(fx.cfg.LastRunFile)
	require.NoError(t, err)
	assert.True(t, report.FinishedAt.Truncate(time.Second).Equal(last))

	assert.Equal(t, state.StateIdle, fx.p.State().CurrentState)
	assert.Equal(t,
		[]string{EventRunStarted, EventFileIngested, EventFileIngested, EventRunScored},
		drain(events),
	)
}

func TestPipeline_RerunIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	writeExport(t, fx.cfg.NormalVoltageDir, "Ba01_N20_OV1_300.xls", 2.0, 1.9, 1.8)
	writeExport(t, fx.cfg.ReducedVoltageDir, "Bb01_N20_UV1_300.xls", 2.0, 1.5)

	first, err := fx.p.Run(context.Background())
	require.NoError(t, err)
	snapshot, err := fx.store.ListWithCycles(context.Background())
	require.NoError(t, err)

	second, err := fx.p.Run(context.Background())
	require.NoError(t, err)
	again, err := fx.store.ListWithCycles(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	for _, fr := range second.Files {
		assert.False(t, fr.Created)
	}
	assert.Equal(t, snapshot, again)

	reduced := fx.store.get(t, "Bb01_N20_UV1_300.xls").battery
	assert.Equal(t, models.VoltageReduced, reduced.VoltageType)
	assert.Equal(t, 1, *reduced.BatteryNumber)
}

// ============================================================================
// FAILURE POLICY
// ============================================================================

func TestPipeline_PerFileFailureContinues(t *testing.T) {
	fx := newFixture(t)
	writeExport(t, fx.cfg.NormalVoltageDir, "Ba01_N20_OV1_300.xls", 2.0, 1.9)
	require.NoError(t, os.WriteFile(filepath.Join(fx.cfg.NormalVoltageDir, "Ba02_N20_OV1_300.xls"), []byte("not a workbook"), 0o644))
	writeExport(t, fx.cfg.NormalVoltageDir, "Ba03_N20_OV1_300.xls", 2.0, 1.0)
	events := fx.p.Subscribe()

	report, err := fx.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.FilesFailed)
	require.Len(t, report.Files, 3)
	assert.Equal(t, "Ba02_N20_OV1_300.xls", report.Files[1].FileName)
	assert.NotEmpty(t, report.Files[1].Error)
	assert.Equal(t, 2, report.BatteriesScored)
	assert.Contains(t, drain(events), EventFileFailed)
	assert.Equal(t, 1, fx.p.State().FilesFailed)
}

func TestPipeline_BrokenBIFFFileDoesNotAbortRun(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, os.MkdirAll(fx.cfg.NormalVoltageDir, 0o755))
	for _, name := range []string{"Ba05_N20_OV1_300.xls", "Ba06_N20_OV1_300.xls"} {
		data, err := os.ReadFile(filepath.Join("..", "source", "testdata", name))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(fx.cfg.NormalVoltageDir, name), data, 0o644))
	}
	writeExport(t, fx.cfg.NormalVoltageDir, "Ba01_N20_OV1_300.xls", 2.0, 1.0)

	report, err := fx.p.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Files, 3)
	assert.Equal(t, 1, report.FilesFailed)
	assert.Equal(t, "Ba06_N20_OV1_300.xls", report.Files[2].FileName)
	assert.Contains(t, report.Files[2].Error, "parse xls")
	assert.Equal(t, 2, report.BatteriesScored)

	b := fx.store.get(t, "Ba05_N20_OV1_300.xls")
	assert.Len(t, b.cycles, 2)
	assert.InDelta(t, 95.0, *b.battery.StateOfHealth, 1e-9)
}

func TestPipeline_UnparseableNumberIsSoft(t *testing.T) {
	fx := newFixture(t)
	writeExport(t, fx.cfg.NormalVoltageDir, "calibration_run.xls", 2.0, 1.0)

	report, err := fx.p.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.FilesFailed)

	b := fx.store.get(t, "calibration_run.xls").battery
	assert.Nil(t, b.BatteryNumber)
	assert.Equal(t, 50.0, *b.StateOfHealth)
}

func TestPipeline_ExcludesBatteryWithoutUsableCycles(t *testing.T) {
	fx := newFixture(t)
	writeExport(t, fx.cfg.NormalVoltageDir, "Ba01_N20_OV1_300.xls", 2.0, 1.8)
	writeExport(t, fx.cfg.NormalVoltageDir, "Ba02_N20_OV1_300.xls", 0, 0)

	report, err := fx.p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.BatteriesScored)
	assert.Equal(t, 1, report.BatteriesExcluded)

	assert.Nil(t, fx.store.get(t, "Ba02_N20_OV1_300.xls").battery.StateOfHealth)
	assert.Equal(t, 0.5, *fx.store.get(t, "Ba01_N20_OV1_300.xls").battery.BalancedScore)
}

func TestPipeline_ScoringFailureSkipsMarker(t *testing.T) {
	fx := newFixture(t)
	writeExport(t, fx.cfg.NormalVoltageDir, "Ba01_N20_OV1_300.xls", 2.0, 1.9)
	fx.store.failScore = errors.New("connection reset")
	events := fx.p.Subscribe()

	_, err := fx.p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	s := fx.p.State()
	assert.Equal(t, state.StateFailed, s.CurrentState)
	assert.Contains(t, s.LastError, "connection reset")
	assert.Contains(t, drain(events), EventRunFailed)

	_, err = ReadLastRun(fx.cfg.LastRunFile)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// 故障恢复后可以重新运行
	fx.store.failScore = nil
	_, err = fx.p.Run(context.Background())
	require.NoError(t, err)
	_, err = ReadLastRun(fx.cfg.LastRunFile)
	assert.NoError(t, err)
}

func TestPipeline_RunFailureBroadcastsError(t *testing.T) {
	fx := newFixture(t)
	writeExport(t, fx.cfg.NormalVoltageDir, "Ba01_N20_OV1_300.xls", 2.0, 1.9)
	fx.store.failScore = errors.New("connection reset")

	hub := ws.NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	fx.p = NewPipeline(fx.cfg, zap.NewNop(), source.NewFilenameResolver(), fx.store, fx.store, hub)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := ws.NewClient(hub, conn)
		if !client.Register() {
			conn.Close()
			return
		}
		go client.WritePump()
		go client.ReadPump()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	_, err = fx.p.Run(context.Background())
	require.Error(t, err)

	var types []string
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "received %v", types)

		var msg ws.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		types = append(types, msg.Type)
		if msg.Type == ws.MsgTypeError {
			assert.Contains(t, msg.Data.(map[string]interface{})["error"], "connection reset")
			break
		}
	}
	assert.Contains(t, types, ws.MsgTypeRunEvent)
}

func TestPipeline_NoDirectories(t *testing.T) {
	fx := newFixture(t)

	report, err := fx.p.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.DirsMissing, 2)
	assert.Empty(t, report.Files)
	assert.Zero(t, report.BatteriesScored)
}

// ============================================================================
// CONCURRENCY
// ============================================================================

func TestPipeline_RejectsConcurrentRun(t *testing.T) {
	fx := newFixture(t)
	writeExport(t, fx.cfg.NormalVoltageDir, "Ba01_N20_OV1_300.xls", 2.0, 1.9)
	fx.store.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := fx.p.Run(context.Background())
		done <- err
	}()

	require.Eventually(t, fx.p.Running, time.Second, 5*time.Millisecond)
	_, err := fx.p.Run(context.Background())
	assert.ErrorIs(t, err, state.ErrRunInProgress)

	close(fx.store.block)
	require.NoError(t, <-done)
	assert.False(t, fx.p.Running())
}

func TestPipeline_ParallelWorkersKeepFileOrder(t *testing.T) {
	fx := newFixture(t)
	fx.cfg.IngestWorkers = 4

	names := []string{
		"Ba01_N20_OV1_300.xls",
		"Ba02_N20_OV1_300.xls",
		"Ba03_N20_OV1_300.xls",
		"Ba04_N20_OV1_300.xls",
		"Ba05_N20_OV1_300.xls",
	}
	for i, name := range names {
		caps := []float64{2.0}
		for j := 0; j <= i; j++ {
			caps = append(caps, 1.9-float64(j)*0.1)
		}
		writeExport(t, fx.cfg.NormalVoltageDir, name, caps...)
	}

	report, err := fx.p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Files, len(names))
	for i, fr := range report.Files {
		assert.Equal(t, names[i], fr.FileName)
		assert.Equal(t, i+2, fr.Cycles)
	}
	assert.Equal(t, 5, fx.p.State().FilesDone)
	assert.Equal(t, 5, report.BatteriesScored)
}

func TestPipeline_StartRunsInBackground(t *testing.T) {
	fx := newFixture(t)
	writeExport(t, fx.cfg.NormalVoltageDir, "Ba01_N20_OV1_300.xls", 2.0, 1.9)
	fx.store.block = make(chan struct{})
	events := fx.p.Subscribe()

	runID, err := fx.p.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runID, fx.p.State().RunID)

	_, err = fx.p.Start(context.Background())
	assert.ErrorIs(t, err, state.ErrRunInProgress)

	close(fx.store.block)
	require.Eventually(t, func() bool { return !fx.p.Running() }, 2*time.Second, 5*time.Millisecond)

	var last *RunEvent
	for ev := range events {
		last = ev
		if ev.Type == EventRunScored {
			break
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, runID, last.RunID)
	assert.Equal(t, 1, last.Report.BatteriesScored)
}
