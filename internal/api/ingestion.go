package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"price-tracker/internal/ingest"
	"price-tracker/internal/logger"

	"github.com/gin-gonic/gin"
)

type runRequest struct {
	// Scope is "watched", "full" or "items".
	Scope           string   `json:"scope"`
	ItemIDs         []int64  `json:"item_ids"`
	PrioritizeStale *bool    `json:"prioritize_stale"`
	BatchSize       int      `json:"batch_size"`
	MaxItems        int      `json:"max_items"`
	Sources         []string `json:"sources"`
}

type backfillRequest struct {
	ItemIDs      []int64  `json:"item_ids"`
	LookbackDays int      `json:"lookback_days"`
	Sources      []string `json:"sources"`
	BatchSize    int      `json:"batch_size"`
	MaxItems     int      `json:"max_items"`
}

// bindOptional decodes a JSON body; an empty body keeps the zero value.
func bindOptional(c *gin.Context, v interface{}) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// StartRun triggers a manual ingestion run in the background.
func (h *APIHandler) StartRun(c *gin.Context) {
	var req runRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.BatchSize < 0 || req.MaxItems < 0 {
		badRequest(c, "batch_size and max_items must not be negative")
		return
	}
	if err := h.checkSources(req.Sources); err != nil {
		badRequest(c, err.Error())
		return
	}

	p := ingest.JobProfile{
		Trigger:         ingest.TriggerManual,
		PrioritizeStale: true,
		BatchSize:       req.BatchSize,
		MaxItems:        req.MaxItems,
		Sources:         req.Sources,
	}
	if req.PrioritizeStale != nil {
		p.PrioritizeStale = *req.PrioritizeStale
	}
	switch req.Scope {
	case "", "full":
	case "watched":
		p.WatchedOnly = true
	case "items":
		if len(req.ItemIDs) == 0 {
			badRequest(c, "scope items requires item_ids")
			return
		}
		p.ItemIDs = req.ItemIDs
	default:
		badRequest(c, "unknown scope "+strconv.Quote(req.Scope))
		return
	}

	id := h.runner.Go(h.ctx, p)
	h.log.WithFields(logger.Fields{"run_id": id, "scope": req.Scope}).Info("manual run started")
	c.JSON(http.StatusAccepted, gin.H{"code": 202, "msg": "started", "data": gin.H{"run_id": id}})
}

// StartBackfill imports history from history-capable sources in the background.
func (h *APIHandler) StartBackfill(c *gin.Context) {
	var req backfillRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.LookbackDays < 0 || req.LookbackDays > 366 {
		badRequest(c, "lookback_days must be between 0 and 366")
		return
	}
	if err := h.checkSources(req.Sources); err != nil {
		badRequest(c, err.Error())
		return
	}

	id := h.runner.GoBackfill(h.ctx, ingest.BackfillProfile{
		ItemIDs:   req.ItemIDs,
		Lookback:  time.Duration(req.LookbackDays) * 24 * time.Hour,
		Sources:   req.Sources,
		BatchSize: req.BatchSize,
		MaxItems:  req.MaxItems,
	})
	h.log.WithField("run_id", id).Info("backfill started")
	c.JSON(http.StatusAccepted, gin.H{"code": 202, "msg": "started", "data": gin.H{"run_id": id}})
}

// ListRuns returns recent runs, newest first.
func (h *APIHandler) ListRuns(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			badRequest(c, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := h.runs.List(c.Request.Context(), c.Query("trigger"), limit)
	if err != nil {
		h.storageError(c, "list runs", err)
		return
	}
	ok(c, gin.H{"count": len(runs), "runs": runs})
}

func (h *APIHandler) GetRun(c *gin.Context) {
	run, err := h.runs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ingest.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		h.storageError(c, "get run", err)
		return
	}
	ok(c, run)
}
