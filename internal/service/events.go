package service

import (
	"time"

	"go.uber.org/zap"

	"github.com/langchou/cellgazer/internal/models"
)

// 运行事件类型
const (
	EventRunStarted   = "run_started"
	EventFileIngested = "file_ingested"
	EventFileFailed   = "file_failed"
	EventRunScored    = "run_scored"
	EventRunFailed    = "run_failed"
)

// RunEvent 运行进度事件
type RunEvent struct {
	Type   string             `json:"type"`
	RunID  string             `json:"run_id"`
	Time   time.Time          `json:"time"`
	File   *models.FileResult `json:"file,omitempty"`
	Report *models.RunReport  `json:"report,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// Subscribe 订阅运行事件
func (p *Pipeline) Subscribe() <-chan *RunEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan *RunEvent, 64)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// emit 通知订阅者并广播到 WebSocket
func (p *Pipeline) emit(ev *RunEvent) {
	ev.Time = p.now().UTC()
	p.notifySubscribers(ev)

	if p.wsHub == nil {
		return
	}
	p.wsHub.BroadcastRunEvent(ev)
	if ev.Type == EventRunFailed {
		p.wsHub.BroadcastError(ev.Error)
	}
	p.logger.Debug("Broadcasted run event via WebSocket", zap.String("type", ev.Type))
}

func (p *Pipeline) notifySubscribers(ev *RunEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ch := range p.subscribers {
		select {
		case ch <- ev:
		default:
			// 跳过慢消费者
		}
	}
}
