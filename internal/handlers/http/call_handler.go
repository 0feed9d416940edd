package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// SummaryProvider reports relay-wide call counters.
type SummaryProvider interface {
	Summary() domain.CallSummary
}

type CallHandler struct {
	presence ports.PresenceDirectory
	calls    ports.CallDirectory
	records  ports.CallRecordRepository
	summary  SummaryProvider
}

func NewCallHandler(
	presence ports.PresenceDirectory,
	calls ports.CallDirectory,
	records ports.CallRecordRepository,
	summary SummaryProvider,
) *CallHandler {
	return &CallHandler{
		presence: presence,
		calls:    calls,
		records:  records,
		summary:  summary,
	}
}

func (h *CallHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/users", h.ListOnlineUsers)
	router.GET("/users/:id/online", h.GetUserOnline)
	router.GET("/users/:id/calls", h.ListUserCalls)
	router.GET("/calls/active", h.ListActiveCalls)
	router.GET("/calls/summary", h.GetSummary)
	router.GET("/calls/:id", h.GetCall)
	router.GET("/calls/:id/stats", h.GetCallStats)
}

type callSessionResponse struct {
	CallID     domain.CallID `json:"callId"`
	CallerID   domain.UserID `json:"caller"`
	CalleeID   domain.UserID `json:"callee"`
	IsVideo    bool          `json:"isVideo"`
	StartTime  time.Time     `json:"startTime"`
	AnsweredAt *time.Time    `json:"answeredAt,omitempty"`
}

type callRecordResponse struct {
	CallID          domain.CallID     `json:"callId"`
	CallerID        domain.UserID     `json:"caller"`
	CalleeID        domain.UserID     `json:"callee"`
	IsVideo         bool              `json:"isVideo"`
	Status          domain.CallStatus `json:"status"`
	DurationSeconds float64           `json:"duration"`
	StartTime       time.Time         `json:"startTime"`
	EndTime         time.Time         `json:"endTime"`
}

type qualityResponse struct {
	Good     int `json:"good"`
	Moderate int `json:"moderate"`
	Poor     int `json:"poor"`
}

type callStatsResponse struct {
	ReportedBy            domain.UserID   `json:"reportedBy"`
	DurationSeconds       float64         `json:"duration"`
	TotalSamples          int             `json:"totalSamples"`
	AvgSendBitrateKbps    float64         `json:"avgSendBitrateKbps"`
	AvgReceiveBitrateKbps float64         `json:"avgReceiveBitrateKbps"`
	AvgPacketLossPercent  float64         `json:"avgPacketLossPercent"`
	AvgRTTMs              float64         `json:"avgRttMs"`
	TotalDataUsedBytes    int64           `json:"totalDataUsedBytes"`
	QualityDistribution   qualityResponse `json:"qualityDistribution"`
	ReceivedAt            time.Time       `json:"receivedAt"`
}

func toStatsResponse(stats *domain.CallStats) callStatsResponse {
	return callStatsResponse{
		ReportedBy:            stats.ReportedBy,
		DurationSeconds:       stats.DurationSeconds,
		TotalSamples:          stats.TotalSamples,
		AvgSendBitrateKbps:    stats.AvgSendBitrateKbps,
		AvgReceiveBitrateKbps: stats.AvgReceiveBitrateKbps,
		AvgPacketLossPercent:  stats.AvgPacketLossPercent,
		AvgRTTMs:              stats.AvgRTTMs,
		TotalDataUsedBytes:    stats.TotalDataUsedBytes,
		QualityDistribution:   toQualityResponse(stats.QualityDistribution),
		ReceivedAt:            stats.ReceivedAt,
	}
}

func toQualityResponse(q domain.QualityDistribution) qualityResponse {
	return qualityResponse{Good: q.Good, Moderate: q.Moderate, Poor: q.Poor}
}

func toRecordResponse(r *domain.CallRecord) callRecordResponse {
	return callRecordResponse{
		CallID:          r.CallID,
		CallerID:        r.CallerID,
		CalleeID:        r.CalleeID,
		IsVideo:         r.IsVideo,
		Status:          r.Status,
		DurationSeconds: r.Duration.Seconds(),
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
	}
}

func (h *CallHandler) userParam(c *gin.Context) (domain.UserID, bool) {
	id := c.Param("id")
	if err := validation.ValidateUserID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.UserID(id), true
}

func (h *CallHandler) callParam(c *gin.Context) (domain.CallID, bool) {
	id := c.Param("id")
	if err := validation.ValidateCallID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.CallID(id), true
}

func (h *CallHandler) ListOnlineUsers(c *gin.Context) {
	users := h.presence.OnlineUsers()
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

func (h *CallHandler) GetUserOnline(c *gin.Context) {
	userID, ok := h.userParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "online": h.presence.IsOnline(userID)})
}

func (h *CallHandler) ListUserCalls(c *gin.Context) {
	userID, ok := h.userParam(c)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			_ = c.Error(apperrors.NewInvalidInputError("limit must be between 1 and 200"))
			return
		}
		limit = n
	}

	records, err := h.records.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		_ = c.Error(apperrors.NewPersistenceError("list calls", err))
		return
	}
	out := make([]callRecordResponse, 0, len(records))
	for _, r := range records {
		out = append(out, toRecordResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

func (h *CallHandler) ListActiveCalls(c *gin.Context) {
	sessions := h.calls.ActiveCalls()
	out := make([]callSessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, callSessionResponse{
			CallID:     s.ID,
			CallerID:   s.CallerID,
			CalleeID:   s.CalleeID,
			IsVideo:    s.IsVideo,
			StartTime:  s.StartTime,
			AnsweredAt: s.AnsweredAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"calls": out, "count": len(out)})
}

func (h *CallHandler) GetSummary(c *gin.Context) {
	s := h.summary.Summary()
	c.JSON(http.StatusOK, gin.H{
		"activeCalls":         s.ActiveCalls,
		"videoCalls":          s.VideoCalls,
		"completed":           s.Completed,
		"missed":              s.Missed,
		"rejected":            s.Rejected,
		"totalTalkSeconds":    s.TotalTalkTime.Seconds(),
		"averageTalkSeconds":  s.AverageTalkTime.Seconds(),
		"averageSetupSeconds": s.AverageSetupTime.Seconds(),
		"reportedQuality":     toQualityResponse(s.ReportedQuality),
		"averageReportedRtt":  s.AverageReportedRTT,
		"healthScore":         s.HealthScore,
		"timestamp":           s.Timestamp,
	})
}

func (h *CallHandler) GetCall(c *gin.Context) {
	callID, ok := h.callParam(c)
	if !ok {
		return
	}
	record, err := h.records.GetOutcome(c.Request.Context(), callID)
	if errors.Is(err, domain.ErrCallNotFound) {
		_ = c.Error(apperrors.NewNotFoundError("call"))
		return
	}
	if err != nil {
		_ = c.Error(apperrors.NewPersistenceError("get call", err))
		return
	}
	c.JSON(http.StatusOK, toRecordResponse(record))
}

func (h *CallHandler) GetCallStats(c *gin.Context) {
	callID, ok := h.callParam(c)
	if !ok {
		return
	}
	stats, err := h.records.GetStats(c.Request.Context(), callID)
	if errors.Is(err, domain.ErrCallStatsNotFound) {
		_ = c.Error(apperrors.NewNotFoundError("call stats"))
		return
	}
	if err != nil {
		_ = c.Error(apperrors.NewPersistenceError("get call stats", err))
		return
	}
	reports := make([]callStatsResponse, 0, len(stats))
	for _, report := range stats {
		reports = append(reports, toStatsResponse(report))
	}
	c.JSON(http.StatusOK, gin.H{"callId": callID, "reports": reports})
}
