package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"ref-keeper/config"
	"ref-keeper/models"
	"ref-keeper/search/pgindex"
	"ref-keeper/services"
	"ref-keeper/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	decisionsCounter      *prometheus.CounterVec
	leaseExpiredCounter   prometheus.Counter
	retryExhaustedCounter prometheus.Counter
)

func init() {
	decisionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duplicate_decisions_total",
			Help: "Total number of committed duplicate decisions, by determination.",
		},
		[]string{"determination"},
	)
	leaseExpiredCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pending_enhancement_leases_expired_total",
			Help: "Total number of pending enhancements expired by the lease sweeper.",
		},
	)
	retryExhaustedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resolve_retries_exhausted_total",
			Help: "Total number of resolutions that failed after exhausting retries.",
		},
	)
	prometheus.MustRegister(decisionsCounter, leaseExpiredCounter, retryExhaustedCounter)
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	// Setup Database Connection
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to reference database.")

	logging.Info("Running database auto-migration...")
	db.AutoMigrate(
		&models.Reference{},
		&models.ExternalIdentifier{},
		&models.Enhancement{},
		&models.ReferenceDuplicateDecision{},
		&models.PendingEnhancement{},
		&pgindex.ReferenceToken{},
	)

	// Setup Services
	cache, err := storage.NewProjectionCache(cfg)
	if err != nil {
		logging.Fatal("Redis connection failed", zap.Error(err))
	}
	if cache == nil {
		logging.Info("Projection cache disabled, REDIS_ADDR not set.")
	}
	blobs, err := storage.NewBlobStore(cfg)
	if err != nil {
		logging.Fatal("S3 client creation failed", zap.Error(err))
	}
	if blobs == nil {
		logging.Info("Blob store disabled, large payloads stay inline.")
	}

	params := services.ParamsFromConfig(cfg)
	index := pgindex.New(db, logging)
	resolver := services.NewResolver(db, index, params, logging)
	lifecycle := services.NewLifecycleManager(db, cfg.LeaseDuration, logging)
	projector := services.NewProjector(db, cache, logging)
	ingest := &services.IngestService{
		DB:              db,
		Index:           index,
		Resolver:        resolver,
		Lifecycle:       lifecycle,
		Projector:       projector,
		Blobs:           blobs,
		Logger:          logging,
		Retry:           services.RetryPolicy{MaxAttempts: cfg.ResolveMaxAttempts, Backoff: cfg.ResolveBackoff},
		BlobInlineLimit: cfg.BlobInlineLimit,
	}

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Setup Routes
	setupReferenceRoutes(router, db, ingest, projector, blobs, logging)
	setupPendingRoutes(router, lifecycle, logging)

	// Setup Cron
	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.ReevalSchedule, func() {
		logging.Info("Running scheduled re-evaluation sweep...")
		changed, err := ingest.ReevaluateStale(context.Background(), cfg.ReevalBatchSize, cfg.ReevalStaleWindow)
		if err != nil {
			logging.Error("Re-evaluation sweep failed", zap.Error(err))
		} else {
			logging.Info("Re-evaluation sweep completed", zap.Int("changed", changed))
		}
	})
	cronScheduler.AddFunc(cfg.LeaseSweepSchedule, func() {
		expired, err := lifecycle.ExpireOverdue(context.Background(), time.Now())
		if err != nil {
			logging.Error("Lease sweep failed", zap.Error(err))
		} else if expired > 0 {
			logging.Info("Lease sweep expired overdue work", zap.Int64("expired", expired))
			leaseExpiredCounter.Add(float64(expired))
		}
	})
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

func setupReferenceRoutes(router *gin.Engine, db *gorm.DB, ingest *services.IngestService, projector *services.Projector, blobs *storage.BlobStore, log *zap.Logger) {
	rg := router.Group("/references")

	rg.POST("/", func(c *gin.Context) {
		var req services.IngestInput
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		result, err := ingest.Ingest(c.Request.Context(), req)
		if err != nil {
			if services.IsRetryable(err) {
				retryExhaustedCounter.Inc()
				c.JSON(http.StatusConflict, gin.H{"error": "resolution conflict, retry later"})
				return
			}
			log.Error("Ingest failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest failed"})
			return
		}
		decisionsCounter.WithLabelValues(string(result.Determination)).Inc()
		status := http.StatusCreated
		if !result.Created {
			status = http.StatusOK
		}
		c.JSON(status, result)
	})

	rg.GET("/:id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reference id"})
			return
		}
		var ref models.Reference
		err = db.Preload("Identifiers").Preload("Enhancements").First(&ref, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "reference not found"})
			return
		}
		if err != nil {
			log.Error("Database query for reference failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, ref)
	})

	rg.POST("/:id/resolve", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reference id"})
			return
		}
		decision, err := ingest.Reevaluate(c.Request.Context(), id)
		if err != nil {
			if services.IsRetryable(err) {
				retryExhaustedCounter.Inc()
				c.JSON(http.StatusConflict, gin.H{"error": "resolution conflict, retry later"})
				return
			}
			log.Error("Re-resolution failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "resolution failed"})
			return
		}
		decisionsCounter.WithLabelValues(string(decision.Determination)).Inc()
		c.JSON(http.StatusOK, decision)
	})

	rg.GET("/:id/decision", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reference id"})
			return
		}
		decision, err := services.ActiveDecision(c.Request.Context(), db, id)
		if err != nil {
			log.Error("Database query for decision failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if decision == nil {
			var known int64
			if err := db.Model(&models.Reference{}).Where("id = ?", id).Count(&known).Error; err != nil {
				log.Error("Database query for reference failed", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
				return
			}
			if known == 0 {
				c.JSON(http.StatusNotFound, gin.H{"error": "reference not found"})
				return
			}
			// Stored but not yet resolved.
			c.JSON(http.StatusOK, gin.H{
				"reference_id":  id,
				"determination": models.DeterminationUnresolved,
			})
			return
		}
		c.JSON(http.StatusOK, decision)
	})

	rg.GET("/:id/group", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reference id"})
			return
		}
		view, err := projector.Project(c.Request.Context(), id)
		if err != nil {
			log.Error("Group lookup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "group lookup failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"canonical_reference_id": view.CanonicalReferenceID,
			"members":                view.GroupMembers,
		})
	})

	rg.GET("/:id/projection", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reference id"})
			return
		}
		view, err := projector.Project(c.Request.Context(), id)
		if err != nil {
			log.Error("Projection failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "projection failed"})
			return
		}
		c.JSON(http.StatusOK, view)
	})

	rg.POST("/:id/enhancements", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reference id"})
			return
		}
		type enhancementBody struct {
			Type    models.EnhancementType `json:"type"`
			Payload json.RawMessage        `json:"payload"`
			Source  string                 `json:"source"`
		}
		var req enhancementBody
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		e, err := ingest.AppendEnhancement(c.Request.Context(), id, req.Type, req.Payload, req.Source)
		if err != nil {
			log.Error("Enhancement append failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append enhancement"})
			return
		}
		c.JSON(http.StatusCreated, e)
	})

	rg.GET("/:id/enhancements/:enhancementId/blob", func(c *gin.Context) {
		if blobs == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "blob store disabled"})
			return
		}
		eid, err := uuid.Parse(c.Param("enhancementId"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid enhancement id"})
			return
		}
		var e models.Enhancement
		if err := db.First(&e, "id = ?", eid).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "enhancement not found"})
			return
		}
		if e.BlobKey == "" {
			c.JSON(http.StatusOK, e.Payload)
			return
		}
		data, err := blobs.Get(c.Request.Context(), e.BlobKey)
		if err != nil {
			log.Error("Blob fetch failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch blob"})
			return
		}
		c.Data(http.StatusOK, "application/json", data)
	})
}

func setupPendingRoutes(router *gin.Engine, lifecycle *services.LifecycleManager, log *zap.Logger) {
	rg := router.Group("/pending-enhancements")

	rg.POST("/", func(c *gin.Context) {
		type createBody struct {
			ReferenceID uuid.UUID `json:"reference_id"`
			Robot       string    `json:"robot"`
		}
		var req createBody
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		pending, err := lifecycle.Create(c.Request.Context(), req.ReferenceID, req.Robot)
		if err != nil {
			log.Error("Pending enhancement creation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create pending enhancement"})
			return
		}
		c.JSON(http.StatusCreated, pending)
	})

	rg.POST("/:id/claim", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pending enhancement id"})
			return
		}
		pending, err := lifecycle.Claim(c.Request.Context(), id)
		if errors.Is(err, services.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{"error": "not claimable"})
			return
		}
		if err != nil {
			log.Error("Claim failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "claim failed"})
			return
		}
		c.JSON(http.StatusOK, pending)
	})

	rg.POST("/:id/transition", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pending enhancement id"})
			return
		}
		type transitionBody struct {
			Status models.PendingStatus `json:"status"`
			Reason string               `json:"reason"`
		}
		var req transitionBody
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		pending, err := lifecycle.Transition(c.Request.Context(), id, req.Status, req.Reason)
		if errors.Is(err, services.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{"error": "transition not allowed"})
			return
		}
		if err != nil {
			log.Error("Transition failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "transition failed"})
			return
		}
		c.JSON(http.StatusOK, pending)
	})
}
