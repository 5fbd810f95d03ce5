package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/cellgazer/internal/state"
)

// StartRun 触发一次后台导入与评分
// POST /api/runs
func (h *Handler) StartRun(c *gin.Context) {
	runID, err := h.runs.Start(h.baseCtx)
	if errors.Is(err, state.ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
			"data":  h.runs.State(),
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to start run", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start run"})
		return
	}

	h.logger.Info("Run started via API", zap.String("run_id", runID))
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Run started",
		"run_id":  runID,
	})
}

// GetCurrentRun 获取当前运行状态
// GET /api/runs/current
func (h *Handler) GetCurrentRun(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.runs.State()})
}
