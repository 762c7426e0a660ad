package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/UbiquiTimes/internal/api"
	"github.com/Gopher0727/UbiquiTimes/internal/models"
	"github.com/Gopher0727/UbiquiTimes/internal/services"
)

type Releaser interface {
	Release(ctx context.Context, req services.ReleaseRequest) (*services.ReleaseResult, error)
	Enqueue(ctx context.Context, req services.ReleaseRequest) (models.ID, error)
}

type ReleaseHandler struct {
	releases Releaser
}

func NewReleaseHandler(releases Releaser) *ReleaseHandler {
	return &ReleaseHandler{releases: releases}
}

type releaseRequest struct {
	// ChannelID is the channel the message was written in; "0" or absent skips the origin check.
	ChannelID   models.ID             `json:"channel_id"`
	DisplayName string                `json:"display_name"`
	Text        string                `json:"text"`
	Attachments []services.Attachment `json:"attachments" binding:"dive"`
	Async       bool                  `json:"async"`
}

var releaseStatus = map[services.BroadcastStatus]int{
	services.BroadcastSucceeded: http.StatusOK,
	services.BroadcastPartial:   http.StatusMultiStatus,
	services.BroadcastFailed:    http.StatusBadGateway,
}

// Release 把消息转发到当前用户在其它服务器的全部 Times
// 同步模式下广播与客户端连接解耦：客户端断开不会中断已开始的投递
func (h *ReleaseHandler) Release(c *gin.Context) {
	userID, claims, ok := api.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	communityID, ok := parseIDParam(c, "community_id")
	if !ok {
		return
	}

	var body releaseRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBindError(c, err)
		return
	}

	req := services.ReleaseRequest{
		UserID:            userID,
		OriginCommunityID: communityID,
		OriginChannelID:   body.ChannelID,
		Message: services.Message{
			AuthorDisplayName: body.DisplayName,
			AuthorAvatarURL:   claims.AvatarURL,
			Text:              body.Text,
			Attachments:       body.Attachments,
		},
	}

	ctx := context.WithoutCancel(c.Request.Context())

	if body.Async {
		id, err := h.releases.Enqueue(ctx, req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"release_id": id, "status": "queued"})
		return
	}

	result, err := h.releases.Release(ctx, req)
	if err != nil {
		respondError(c, err)
		return
	}
	status, ok := releaseStatus[result.Status]
	switch {
	case result.Attempted == 0:
		// Nothing to fan out to: the user has no Times outside the origin community.
		status = http.StatusUnprocessableEntity
	case !ok:
		status = http.StatusInternalServerError
	}
	c.JSON(status, result)
}
