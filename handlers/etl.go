package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"community-sync/models"
	"community-sync/storage"
	"community-sync/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runner executes one import run
type Runner interface {
	Run(ctx context.Context, dataset models.Dataset) (models.RunReport, error)
}

// Server holds what the HTTP surface needs. History and Gatherer may be nil.
type Server struct {
	Runner   Runner
	History  storage.RunHistory
	Gatherer prometheus.Gatherer
	Secret   string
	Logger   *utils.Logger
}

// Router builds the gin engine with every route registered
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	}

	etl := r.Group("/etl", s.requireSecret())
	etl.POST("/import/:dataset", s.ImportHandler())
	etl.GET("/import/:dataset", s.ImportHandler())
	etl.GET("/runs", s.RunsHandler())
	return r
}

// requireSecret accepts the shared secret as ?secret= or a bearer token.
// With no secret configured every request passes.
func (s *Server) requireSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Secret == "" {
			c.Next()
			return
		}
		given := c.Query("secret")
		if auth := c.GetHeader("Authorization"); given == "" && strings.HasPrefix(auth, "Bearer ") {
			given = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
		if subtle.ConstantTimeCompare([]byte(given), []byte(s.Secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "unauthorized"})
			return
		}
		c.Next()
	}
}

// ImportHandler runs the import synchronously and answers with the run report
func (s *Server) ImportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		dataset, err := models.ParseDataset(c.Param("dataset"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": err.Error()})
			return
		}

		// a dropped client must not cut the run short; only its budget bounds it
		report, err := s.Runner.Run(context.WithoutCancel(c.Request.Context()), dataset)
		if err != nil {
			if errors.Is(err, storage.ErrRunInProgress) {
				c.JSON(http.StatusConflict, gin.H{"success": false, "message": err.Error(), "dataset": dataset})
				return
			}
			s.Logger.Error("Import of %s could not start: %v", dataset, err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error(), "dataset": dataset})
			return
		}

		status := http.StatusOK
		if !report.Success {
			status = http.StatusInternalServerError
		}
		c.JSON(status, report.Response())
	}
}

// RunsHandler lists recent runs, newest first
func (s *Server) RunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.History == nil {
			c.JSON(http.StatusOK, []storage.RunRecord{})
			return
		}

		var dataset models.Dataset
		if name := c.Query("dataset"); name != "" {
			d, err := models.ParseDataset(name)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			dataset = d
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

		runs, err := s.History.Recent(c.Request.Context(), dataset, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, runs)
	}
}
