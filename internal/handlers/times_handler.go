package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/UbiquiTimes/internal/api"
	"github.com/Gopher0727/UbiquiTimes/internal/models"
	"github.com/Gopher0727/UbiquiTimes/internal/services"
)

type TimesManager interface {
	SetTimes(ctx context.Context, req services.SetTimesRequest) (*services.SetTimesResult, error)
	DeleteTimes(ctx context.Context, userID, communityID models.ID) (*services.DeleteTimesResult, error)
	GetTimes(ctx context.Context, userID, communityID models.ID) (*models.Times, error)
	ListTimes(ctx context.Context, userID models.ID) ([]models.Times, error)
}

type TimesHandler struct {
	times TimesManager
}

func NewTimesHandler(times TimesManager) *TimesHandler {
	return &TimesHandler{times: times}
}

type setTimesRequest struct {
	ChannelID     models.ID `json:"channel_id" binding:"required"`
	CommunityName string    `json:"community_name"`
}

type setTimesResponse struct {
	Times     models.Times `json:"times"`
	Created   bool         `json:"created"`
	Reused    bool         `json:"reused"`
	Retired   bool         `json:"retired"`
	RetireErr string       `json:"retire_error,omitempty"`
}

// SetTimes 把当前用户在该服务器中的 Times 指向 channel_id
func (h *TimesHandler) SetTimes(c *gin.Context) {
	userID, claims, ok := api.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	communityID, ok := parseIDParam(c, "community_id")
	if !ok {
		return
	}

	var req setTimesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	result, err := h.times.SetTimes(c.Request.Context(), services.SetTimesRequest{
		UserID:        userID,
		CommunityID:   communityID,
		CommunityName: req.CommunityName,
		ChannelID:     req.ChannelID,
		UserName:      claims.UserName,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := setTimesResponse{
		Times:   result.Times,
		Created: result.Previous == nil,
		Reused:  result.Reused,
		Retired: result.Retired,
	}
	if result.RetireErr != nil {
		_ = c.Error(result.RetireErr)
		resp.RetireErr = result.RetireErr.Error()
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	c.JSON(status, resp)
}

func (h *TimesHandler) GetTimes(c *gin.Context) {
	userID, _, ok := api.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	communityID, ok := parseIDParam(c, "community_id")
	if !ok {
		return
	}

	times, err := h.times.GetTimes(c.Request.Context(), userID, communityID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, times)
}

// DeleteTimes 删除 Times；记录不存在时返回 deleted=false
func (h *TimesHandler) DeleteTimes(c *gin.Context) {
	userID, _, ok := api.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	communityID, ok := parseIDParam(c, "community_id")
	if !ok {
		return
	}

	result, err := h.times.DeleteTimes(c.Request.Context(), userID, communityID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"deleted": result.Deleted, "retired": result.Retired}
	if result.RetireErr != nil {
		_ = c.Error(result.RetireErr)
		resp["retire_error"] = result.RetireErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *TimesHandler) ListTimes(c *gin.Context) {
	userID, _, ok := api.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	list, err := h.times.ListTimes(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []models.Times{}
	}
	c.JSON(http.StatusOK, gin.H{"times": list})
}
