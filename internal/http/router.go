package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/safeshift/backend/internal/config"
	"github.com/safeshift/backend/internal/db"
	"github.com/safeshift/backend/internal/http/handlers"
	"github.com/safeshift/backend/internal/http/middleware"
	"github.com/safeshift/backend/internal/service"

	_ "github.com/safeshift/backend/docs"
)

// Router wires the HTTP surface. metrics may be nil.
func Router(cfg config.Config, store db.Repository, svc *service.ProcessingService, metrics http.Handler, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.AdminKeyHeader, middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := cfg.AllowedOrigins()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = origins
	}
	r.Use(cors.New(corsCfg))

	validate := svc.Validator
	if validate == nil {
		validate = service.NewValidator()
	}
	h := &handlers.Handler{
		Store:     store,
		Service:   svc,
		Validator: validate,
		Logger:    logger,
		AdminKey:  cfg.AdminKey,
	}

	r.GET("/healthz", h.Healthz)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	api := r.Group("/api")
	{
		api.POST("/observations", h.CreateObservation)
		api.GET("/observations/:id", h.ObservationDetails)
		api.GET("/subjects/:id/anomalies", h.SubjectAnomalies)
		api.GET("/subjects/:id/forecast", h.SubjectForecast)
		api.GET("/subjects/:id/alerts", h.SubjectAlerts)
		api.GET("/subjects/:id/alerts/summary", h.SubjectAlertSummary)
	}

	admin := api.Group("")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.PUT("/observations/:id", h.UpdateObservation)
		admin.POST("/alerts/:id/resolve", h.ResolveAlert)
		admin.GET("/stages/stats", h.StageStats)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}
