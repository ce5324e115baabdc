package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"vision-sensor/internal/control"
)

// NewRouter builds the HTTP control plane
func NewRouter(
	controlHandler *control.HTTPHandler,
	allowedOrigins []string,
	version string,
	logger *zap.Logger,
) http.Handler {

	router := gin.New()

	// Middleware
	router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			logger.Info("HTTP Request",
				zap.String("method", param.Method),
				zap.String("path", param.Path),
				zap.Int("status", param.StatusCode),
				zap.Duration("latency", param.Latency),
				zap.String("client_ip", param.ClientIP),
			)
			return ""
		},
		SkipPaths: []string{"/health"},
	}))

	router.Use(gin.Recovery())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "vision-sensor",
			"version": version,
			"time":    time.Now().Unix(),
		})
	})

	controlHandler.RegisterRoutes(router)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Not Found",
			"message": "The requested resource was not found",
			"path":    c.Request.URL.Path,
			"suggestions": []string{
				"Check /health for service status",
				"Check /status for the capture region",
			},
		})
	})

	return withCORS(router, allowedOrigins)
}

// withCORS wraps h when origins are configured
func withCORS(h http.Handler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		return h
	}
	return cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Content-Length", "Accept", "Origin", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           86400,
	}).Handler(h)
}
