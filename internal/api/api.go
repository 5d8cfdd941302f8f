package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"price-tracker/internal/catalog"
	"price-tracker/internal/charts"
	"price-tracker/internal/ingest"
	"price-tracker/internal/logger"
	"price-tracker/internal/snapshots"
	"price-tracker/internal/sources"

	"github.com/gin-gonic/gin"
)

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	// Context bounds runs started over HTTP; cancel it on shutdown.
	Context   context.Context
	Engine    *charts.Engine
	Snapshots *snapshots.Store
	Runner    *ingest.Runner
	Runs      *ingest.RunLog
	Catalog   *catalog.Catalog
	Sources   *sources.Registry
	Hub       *Hub
	Log       *logger.Log
}

type APIHandler struct {
	ctx       context.Context
	engine    *charts.Engine
	snapshots *snapshots.Store
	runner    *ingest.Runner
	runs      *ingest.RunLog
	catalog   *catalog.Catalog
	sources   *sources.Registry
	hub       *Hub
	log       *logger.Entry
}

func SetupRoutes(r *gin.RouterGroup, d Deps) *APIHandler {
	if d.Context == nil {
		d.Context = context.Background()
	}
	if d.Log == nil {
		d.Log = logger.GetLogger()
	}
	handler := &APIHandler{
		ctx:       d.Context,
		engine:    d.Engine,
		snapshots: d.Snapshots,
		runner:    d.Runner,
		runs:      d.Runs,
		catalog:   d.Catalog,
		sources:   d.Sources,
		hub:       d.Hub,
		log:       d.Log.WithComponent("api"),
	}

	chartsGroup := r.Group("/charts")
	{
		chartsGroup.GET("/index", handler.GetIndexChart)
		chartsGroup.GET("/index.xlsx", handler.ExportIndexChart)
		chartsGroup.GET("/freshness", handler.GetFreshness)
	}

	ingestion := r.Group("/ingestion")
	{
		ingestion.POST("/run", handler.StartRun)
		ingestion.POST("/backfill", handler.StartBackfill)
		ingestion.GET("/runs", handler.ListRuns)
		ingestion.GET("/runs/:id", handler.GetRun)
	}

	r.GET("/items/:id/listings", handler.GetListings)
	r.GET("/items/:id/snapshots", handler.GetItemSnapshots)
	r.GET("/sources/stats", handler.GetSourceStats)

	if handler.hub != nil {
		r.GET("/ws/runs", handler.hub.ServeWS)
	}

	return handler
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": 200, "msg": "ok", "data": data})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// storageError reports a read or write failure. Unreachable storage is a 503.
func (h *APIHandler) storageError(c *gin.Context, op string, err error) {
	h.log.WithError(err).WithField("op", op).Error("storage error")
	if errors.Is(err, snapshots.ErrStorageUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
}

func parseIDs(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			return nil, errors.New("invalid item id " + strconv.Quote(part))
		}
		out = append(out, id)
	}
	return out, nil
}

// checkSources rejects slugs that aren't configured.
func (h *APIHandler) checkSources(slugs []string) error {
	for _, s := range slugs {
		if _, found := h.sources.Get(s); !found {
			return errors.New("unknown source " + strconv.Quote(s))
		}
	}
	return nil
}
