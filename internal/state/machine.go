package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// 导入运行状态常量
const (
	StateIdle      = "idle"
	StateIngesting = "ingesting"
	StateScoring   = "scoring"
	StateFailed    = "failed"
)

// 事件常量
const (
	EventStartIngest  = "start_ingest"
	EventStartScoring = "start_scoring"
	EventFinish       = "finish"
	EventAbort        = "abort"
)

// ErrRunInProgress 已有导入运行未结束
var ErrRunInProgress = errors.New("a run is already in progress")

// RunState 当前运行状态快照
type RunState struct {
	RunID        string    `json:"run_id,omitempty"`
	CurrentState string    `json:"state"`
	Since        time.Time `json:"since"`
	FilesTotal   int       `json:"files_total"`
	FilesDone    int       `json:"files_done"`
	FilesFailed  int       `json:"files_failed"`
	LastError    string    `json:"last_error,omitempty"`
}

// Machine 导入运行状态机。同一时刻最多一个运行处于 ingesting 或 scoring。
type Machine struct {
	mu            sync.RWMutex
	fsm           *fsm.FSM
	state         *RunState
	onStateChange func(from, to string)
}

// NewMachine 创建状态机，初始为 idle
func NewMachine(onStateChange func(from, to string)) *Machine {
	m := &Machine{
		onStateChange: onStateChange,
		state: &RunState{
			CurrentState: StateIdle,
			Since:        time.Now(),
		},
	}

	m.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventStartIngest, Src: []string{StateIdle, StateFailed}, Dst: StateIngesting},
			{Name: EventStartScoring, Src: []string{StateIngesting}, Dst: StateScoring},
			{Name: EventFinish, Src: []string{StateScoring}, Dst: StateIdle},
			{Name: EventAbort, Src: []string{StateIngesting, StateScoring}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// Begin 开始新运行；已有运行时返回 ErrRunInProgress
func (m *Machine) Begin(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.fsm.Can(EventStartIngest) {
		return ErrRunInProgress
	}
	if err := m.fsm.Event(context.Background(), EventStartIngest); err != nil {
		return fmt.Errorf("trigger event %s: %w", EventStartIngest, err)
	}

	m.state = &RunState{
		RunID:        runID,
		CurrentState: m.fsm.Current(),
		Since:        time.Now(),
	}
	return nil
}

// Trigger 触发事件
func (m *Machine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}

	m.state.CurrentState = m.fsm.Current()
	m.state.Since = time.Now()
	return nil
}

// Fail 中止当前运行并记录错误
func (m *Machine) Fail(cause error) error {
	if err := m.Trigger(EventAbort); err != nil {
		return err
	}
	m.UpdateState(func(s *RunState) {
		if cause != nil {
			s.LastError = cause.Error()
		}
	})
	return nil
}

// CurrentState 获取当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// Running 是否有运行进行中
func (m *Machine) Running() bool {
	switch m.CurrentState() {
	case StateIngesting, StateScoring:
		return true
	}
	return false
}

// GetState 获取完整状态
func (m *Machine) GetState() *RunState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// 返回副本
	stateCopy := *m.state
	stateCopy.CurrentState = m.fsm.Current()
	return &stateCopy
}

// UpdateState 更新状态数据
func (m *Machine) UpdateState(update func(s *RunState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update(m.state)
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}
