package handlers

import "github.com/gin-gonic/gin"

// NewRouter wires the full HTTP surface.
func NewRouter(room *RoomHandlers, rtc *RTCHandlers, ws *WSHandlers, allowedOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), OriginFilter(allowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	router.POST("/rooms", room.Create)
	router.GET("/rooms", room.List)
	router.GET("/rooms/:roomId", room.Get)
	router.POST("/rooms/:roomId", room.Join)
	router.DELETE("/rooms/:roomId", room.Leave)

	router.POST("/rtc", rtc.Publish)
	router.GET("/rtc/poll", rtc.Poll)

	router.GET("/ws/rooms/:roomId", ws.Signaling)

	return router
}
