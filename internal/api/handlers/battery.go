package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/cellgazer/internal/models"
	"github.com/langchou/cellgazer/internal/repository"
)

// ListBatteries 获取电池列表
// GET /api/batteries?voltage_type=normal&sort=balanced
func (h *Handler) ListBatteries(c *gin.Context) {
	voltage := models.VoltageType(c.Query("voltage_type"))
	if voltage != "" && !voltage.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid voltage_type"})
		return
	}

	order := c.Query("sort")
	if !repository.ValidOrder(order) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sort"})
		return
	}

	batteries, err := h.batteries.List(c.Request.Context(), repository.ListFilter{
		VoltageType: voltage,
		OrderBy:     order,
	})
	if err != nil {
		h.logger.Error("Failed to list batteries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list batteries"})
		return
	}
	if batteries == nil {
		batteries = []*models.Battery{}
	}

	c.JSON(http.StatusOK, gin.H{"data": batteries})
}

// GetBattery 获取电池详情（含循环数据）
// GET /api/batteries/:number?voltage_type=reduced
func (h *Handler) GetBattery(c *gin.Context) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid battery number"})
		return
	}

	voltage := models.VoltageType(c.DefaultQuery("voltage_type", string(models.VoltageNormal)))
	if !voltage.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid voltage_type"})
		return
	}

	ctx := c.Request.Context()
	battery, err := h.batteries.GetByNumber(ctx, voltage, number)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Battery not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get battery", zap.Error(err), zap.Int("battery_number", number))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get battery"})
		return
	}

	cycles, err := h.cycles.ListByBatteryID(ctx, battery.ID)
	if err != nil {
		h.logger.Error("Failed to list cycles", zap.Error(err), zap.Int64("battery_id", battery.ID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list cycles"})
		return
	}
	battery.Cycles = cycles

	c.JSON(http.StatusOK, gin.H{"data": battery})
}

// summaryEntry 排名视图
type summaryEntry struct {
	Rank            int                `json:"rank"`
	FileName        string             `json:"file_name"`
	BatteryNumber   *int               `json:"battery_number"`
	VoltageType     models.VoltageType `json:"voltage_type"`
	CycleCount      int                `json:"cycle_count"`
	StateOfHealth   *float64           `json:"state_of_health"`
	DurabilityScore *float64           `json:"durability_score"`
	ResilienceScore *float64           `json:"resilience_score"`
	BalancedScore   *float64           `json:"balanced_score"`
}

// GetSummary 已评分电池按综合分排名
// GET /api/summary
func (h *Handler) GetSummary(c *gin.Context) {
	batteries, err := h.batteries.List(c.Request.Context(), repository.ListFilter{
		OrderBy:    "balanced",
		ScoredOnly: true,
	})
	if err != nil {
		h.logger.Error("Failed to list scored batteries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build summary"})
		return
	}

	entries := make([]summaryEntry, 0, len(batteries))
	for i, b := range batteries {
		entries = append(entries, summaryEntry{
			Rank:            i + 1,
			FileName:        b.FileName,
			BatteryNumber:   b.BatteryNumber,
			VoltageType:     b.VoltageType,
			CycleCount:      b.CycleCount,
			StateOfHealth:   b.StateOfHealth,
			DurabilityScore: b.DurabilityScore,
			ResilienceScore: b.ResilienceScore,
			BalancedScore:   b.BalancedScore,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  entries,
		"total": len(entries),
	})
}
