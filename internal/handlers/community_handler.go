package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/UbiquiTimes/internal/models"
)

type CommunityManager interface {
	InitCommunity(ctx context.Context, community models.Community) error
	GetCommunity(ctx context.Context, communityID models.ID) (*models.Community, error)
	DeleteCommunity(ctx context.Context, communityID models.ID) error
}

type CommunityHandler struct {
	communities CommunityManager
}

func NewCommunityHandler(communities CommunityManager) *CommunityHandler {
	return &CommunityHandler{communities: communities}
}

type initCommunityRequest struct {
	Name string `json:"name"`
}

// InitCommunity 登记服务器；name 为空时名称存为 NULL
func (h *CommunityHandler) InitCommunity(c *gin.Context) {
	communityID, ok := parseIDParam(c, "community_id")
	if !ok {
		return
	}

	var req initCommunityRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	community := models.NewCommunity(communityID, req.Name)
	if err := h.communities.InitCommunity(c.Request.Context(), community); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, community)
}

func (h *CommunityHandler) GetCommunity(c *gin.Context) {
	communityID, ok := parseIDParam(c, "community_id")
	if !ok {
		return
	}

	community, err := h.communities.GetCommunity(c.Request.Context(), communityID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, community)
}

// DeleteCommunity 只删除服务器记录，成员的 Times 保留
func (h *CommunityHandler) DeleteCommunity(c *gin.Context) {
	communityID, ok := parseIDParam(c, "community_id")
	if !ok {
		return
	}

	if err := h.communities.DeleteCommunity(c.Request.Context(), communityID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
