package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"price-tracker/internal/catalog"
	"price-tracker/internal/logger"
	"price-tracker/internal/snapshots"
	"price-tracker/internal/sources"

	"github.com/gin-gonic/gin"
)

type listingView struct {
	Source string `json:"source"`
	sources.Listing
	Display string `json:"display"`
}

// GetListings fetches live offers for an item from listing-capable sources.
// A failing source is reported next to the listings of the others.
func (h *APIHandler) GetListings(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid id")
		return
	}
	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 100 {
			badRequest(c, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	adapters := h.sources.With(sources.SupportsListings)
	if slug := c.Query("source"); slug != "" {
		a, found := h.sources.Get(slug)
		if !found || !a.Capabilities().Listings {
			badRequest(c, "source "+strconv.Quote(slug)+" does not serve listings")
			return
		}
		adapters = []sources.Adapter{a}
	}

	ctx := c.Request.Context()
	item, err := h.catalog.GetItem(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
		return
	}
	if err != nil {
		h.storageError(c, "get item", err)
		return
	}

	listings := []listingView{}
	failures := map[string]string{}
	for _, a := range adapters {
		got, err := a.FetchListings(ctx, item, limit)
		if err != nil {
			failures[a.Slug()] = string(sources.KindOf(err))
			h.log.WithError(err).WithFields(logger.Fields{"source": a.Slug(), "item_id": id}).Warn("listings fetch failed")
			continue
		}
		for _, l := range got {
			listings = append(listings, listingView{Source: a.Slug(), Listing: l, Display: sources.FormatAmount(l.Price, l.Currency)})
		}
	}

	ok(c, gin.H{"item": item, "count": len(listings), "listings": listings, "errors": failures})
}

// GetItemSnapshots returns the stored rows of one item for the last N days.
func (h *APIHandler) GetItemSnapshots(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid id")
		return
	}
	days := 7
	if s := c.Query("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 366 {
			badRequest(c, "days must be between 1 and 366")
			return
		}
		days = n
	}
	finish, err := snapshots.ParseFinish(c.Query("finish"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	f := snapshots.Filter{Source: c.Query("source"), Finish: finish}
	if s := c.Query("currency"); s != "" {
		if f.Currency, err = sources.NormalizeCurrency(s); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	now := time.Now().UTC()
	f.Since = now.AddDate(0, 0, -days)
	f.Until = now.Add(time.Minute)

	rows, err := h.snapshots.ItemSnapshots(c.Request.Context(), id, f)
	if err != nil {
		h.storageError(c, "item snapshots", err)
		return
	}
	ok(c, gin.H{"item_id": id, "days": days, "count": len(rows), "snapshots": rows})
}

// GetSourceStats exposes per-source limiter counters and stored snapshot counts.
func (h *APIHandler) GetSourceStats(c *gin.Context) {
	counts := make(map[string]int64)
	for _, a := range h.sources.All() {
		n, err := h.snapshots.Count(c.Request.Context(), snapshots.Filter{Source: a.Slug()})
		if err != nil {
			h.storageError(c, "snapshot count", err)
			return
		}
		counts[a.Slug()] = n
	}
	ok(c, gin.H{"limiters": h.sources.Stats(), "snapshots": counts})
}
