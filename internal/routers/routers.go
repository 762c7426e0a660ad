package routers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/UbiquiTimes/internal/api"
	"github.com/Gopher0727/UbiquiTimes/internal/handlers"
)

type Handlers struct {
	Auth      *handlers.AuthHandler
	Community *handlers.CommunityHandler
	Times     *handlers.TimesHandler
	Release   *handlers.ReleaseHandler
}

// SetupRoutes 设置所有路由
func SetupRoutes(r *gin.Engine, mw *api.MiddlewareManager, h Handlers) {
	r.Use(mw.Recovery(), mw.Logger(), mw.CORS())

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"Status": "OK",
		})
	})

	v1 := r.Group("/api/v1")
	v1.POST("/auth/refresh", h.Auth.Refresh)

	protected := v1.Group("/")
	protected.Use(mw.JWTAuth())
	{
		RegisterCommunityRoutes(protected, h)
		protected.GET("/times", h.Times.ListTimes) // 当前用户的全部 Times
	}
}

// RegisterCommunityRoutes 服务器、Times 与转发接口
func RegisterCommunityRoutes(rg *gin.RouterGroup, h Handlers) {
	communityGroup := rg.Group("/communities/:community_id")
	{
		communityGroup.POST("", h.Community.InitCommunity)     // 登记服务器
		communityGroup.GET("", h.Community.GetCommunity)       // 查询服务器
		communityGroup.DELETE("", h.Community.DeleteCommunity) // 删除服务器 (不级联)

		communityGroup.PUT("/times", h.Times.SetTimes)       // 注册 / 更新 Times
		communityGroup.GET("/times", h.Times.GetTimes)       // 查询 Times
		communityGroup.DELETE("/times", h.Times.DeleteTimes) // 删除 Times 并回收端点

		communityGroup.POST("/release", h.Release.Release) // 转发到其它服务器
	}
}
