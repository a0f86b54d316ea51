// Package httpapi exposes the booking engine over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	shutdownTimeout    = 5 * time.Second
	readHeaderTimeout  = 10 * time.Second
	defaultBurstFactor = 2
)

// Booking is the slice of booking.Service served over HTTP.
type Booking interface {
	Reserve(ctx context.Context, request booking.ReserveRequest) (booking.ReserveResult, error)
	Cancel(ctx context.Context, reservationID booking.ReservationID) (booking.CancelResult, error)
	Purchase(ctx context.Context, request booking.PurchaseRequest) (booking.PurchaseResult, error)
	Account(ctx context.Context, userID booking.UserID) (booking.AccountView, error)
	RepairAccountCredits(ctx context.Context, userID booking.UserID) (booking.RepairResult, error)
}

// Sweeps triggers one lifecycle pass on demand.
type Sweeps interface {
	ArchiveReservations(ctx context.Context) (booking.SweepReport, error)
	ExpireBatches(ctx context.Context) (booking.SweepReport, error)
}

// Config carries the HTTP surface settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	RequestRate    float64
}

// Server wraps http.Server with the booking router.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer wires handlers for service and sweeps behind the shared middleware.
func NewServer(cfg Config, service Booking, sweeps Sweeps, logger *zap.Logger) (*Server, error) {
	if service == nil || sweeps == nil {
		return nil, errors.New("httpapi: booking service and sweeps are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")
	handler := &httpHandler{logger: logger, service: service, sweeps: sweeps}
	return &Server{
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           setupRouter(cfg, handler),
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: logger,
	}, nil
}

// Handler exposes the router.
func (server *Server) Handler() http.Handler {
	return server.server.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("ridebook api listening", zap.String("addr", server.server.Addr))
		errCh <- server.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.server.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/v1")
	if cfg.RequestRate > 0 {
		api.Use(rateLimit(rate.NewLimiter(rate.Limit(cfg.RequestRate), burstFor(cfg.RequestRate))))
	}
	api.POST("/reservations", handler.handleReserve)
	api.POST("/reservations/:id/cancel", handler.handleCancel)
	api.POST("/purchases", handler.handlePurchase)
	api.GET("/accounts/:userId", handler.handleAccount)
	api.POST("/accounts/:userId/repair", handler.handleRepair)
	api.POST("/sweeps/archive", handler.handleSweep(booking.SweepArchive))
	api.POST("/sweeps/expire", handler.handleSweep(booking.SweepExpire))

	return router
}

func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !limiter.Allow() {
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse(codeRateLimited, "too many requests", nil))
			return
		}
		ctx.Next()
	}
}

func burstFor(requestRate float64) int {
	burst := int(requestRate) * defaultBurstFactor
	if burst < 1 {
		return 1
	}
	return burst
}
