package api

import (
	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine, s *Server) {
	router.Use(CORSMiddleware())

	router.GET("/health", s.Health)

	api := router.Group("/api")
	{
		api.GET("/hosts", s.ListHosts)

		session := api.Group("/session")
		{
			session.GET("", s.GetSession)
			session.POST("", s.Connect)
			session.DELETE("", s.Disconnect)
		}

		devices := api.Group("/devices")
		{
			devices.GET("", s.GetDevices)
			devices.POST("/scan", s.ScanDevices)
			devices.GET("/:serial/frame", s.GetFrame)
			devices.POST("/:serial/actions", s.DispatchAction)
		}

		streams := api.Group("/streams")
		{
			streams.GET("", s.GetStreams)
			streams.POST("", s.StartAllStreams)
			streams.DELETE("", s.StopAllStreams)
			streams.POST("/:serial", s.StartStream)
			streams.DELETE("/:serial", s.StopStream)
		}

		actions := api.Group("/actions")
		{
			actions.POST("", s.DispatchBatch)
			actions.GET("/:id", s.GetAction)
		}

		api.GET("/inventory", s.GetInventory)
	}

	router.GET("/ws", func(c *gin.Context) {
		HandleWebSocket(s.hub, c)
	})
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Frame-Timestamp")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
