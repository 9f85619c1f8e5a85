// Package server is the HTTP adapter over the hold service. It owns request
// binding and the error-kind to status mapping; no business rule lives here.
package server

import (
	"regexp"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tixchange/escrow/internal/hold"
	"github.com/tixchange/escrow/internal/ledger"
)

var assetPattern = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

// Server wraps the gin engine serving the escrow API.
type Server struct {
	engine *gin.Engine
	logger *zap.Logger
}

// New builds the HTTP server around the hold service. The repository is
// exposed only through the deposit administration endpoints; holds go
// through the service.
func New(svc hold.Service, repo ledger.Repository, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("asset", func(fl validator.FieldLevel) bool {
			return assetPattern.MatchString(fl.Field().String())
		})
	}

	engine := gin.New()
	engine.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(logger, true))

	h := &handlers{svc: svc, repo: repo, logger: logger.Named("http")}

	engine.GET("/healthz", h.health)
	if gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/holds", h.createHold)
		v1.POST("/holds/multi", h.createMultiAssetHold)
		v1.POST("/holds/:id/release", h.releaseHold)
		v1.POST("/holds/:id/refund", h.refundHold)

		v1.GET("/tickets/:id/hold", h.getHoldByTicket)
		v1.GET("/tickets/:id/holds", h.getHoldsByTicket)
		v1.POST("/tickets/:id/release-all", h.releaseAllForTicket)
		v1.POST("/tickets/:id/refund-all", h.refundAllForTicket)

		v1.GET("/users/:id/holds", h.getActiveHolds)
		v1.GET("/users/:id/deposits", h.listDeposits)

		v1.POST("/deposits", h.createDeposit)
		v1.POST("/deposits/:user/:asset/credit", h.creditDeposit)
		v1.PUT("/deposits/:user/:asset/claim-limit", h.setClaimLimit)
	}

	return &Server{engine: engine, logger: logger}
}

// Engine exposes the underlying gin engine for http.Server wiring and tests.
func (s *Server) Engine() *gin.Engine { return s.engine }
