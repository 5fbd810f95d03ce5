package handlers

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/cellgazer/internal/models"
	"github.com/langchou/cellgazer/internal/repository"
	"github.com/langchou/cellgazer/internal/service"
	"github.com/langchou/cellgazer/internal/state"
	"github.com/langchou/cellgazer/pkg/ws"
)

// BatteryReader 电池查询
type BatteryReader interface {
	List(ctx context.Context, f repository.ListFilter) ([]*models.Battery, error)
	GetByNumber(ctx context.Context, voltage models.VoltageType, number int) (*models.Battery, error)
}

// CycleReader 循环查询
type CycleReader interface {
	ListByBatteryID(ctx context.Context, batteryID int64) ([]*models.CycleData, error)
}

// RunController 运行控制
type RunController interface {
	Start(ctx context.Context) (string, error)
	State() *state.RunState
}

// Handler HTTP 处理器
type Handler struct {
	logger      *zap.Logger
	batteries   BatteryReader
	cycles      CycleReader
	runs        RunController
	lastRunFile string
	wsHub       *ws.Hub
	upgrader    websocket.Upgrader

	// 后台运行使用的上下文，不随请求结束而取消
	baseCtx context.Context
}

// NewHandler 创建处理器
func NewHandler(
	baseCtx context.Context,
	logger *zap.Logger,
	batteries BatteryReader,
	cycles CycleReader,
	runs RunController,
	lastRunFile string,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		baseCtx:     baseCtx,
		logger:      logger,
		batteries:   batteries,
		cycles:      cycles,
		runs:        runs,
		lastRunFile: lastRunFile,
		wsHub:       wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 电池
		api.GET("/batteries", h.ListBatteries)
		api.GET("/batteries/:number", h.GetBattery)
		api.GET("/summary", h.GetSummary)

		// 导入运行
		api.POST("/runs", h.StartRun)
		api.GET("/runs/current", h.GetCurrentRun)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	if h.wsHub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "WebSocket disabled"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	if !client.Register() {
		h.logger.Warn("WebSocket hub stopped, rejecting client")
		conn.Close()
		return
	}

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查，附带上次成功运行时间
func (h *Handler) HealthCheck(c *gin.Context) {
	resp := gin.H{
		"status":    "ok",
		"run_state": h.runs.State().CurrentState,
		"last_run":  nil,
	}
	if h.wsHub != nil {
		resp["ws_clients"] = h.wsHub.ClientCount()
	}

	last, err := service.ReadLastRun(h.lastRunFile)
	switch {
	case err == nil:
		resp["last_run"] = last
	case errors.Is(err, os.ErrNotExist):
		// 尚未成功运行过
	default:
		h.logger.Warn("Failed to read last run marker", zap.Error(err))
	}

	c.JSON(http.StatusOK, resp)
}
