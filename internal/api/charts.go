package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"price-tracker/internal/charts"
	"price-tracker/internal/snapshots"
	"price-tracker/internal/sources"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
)

// chartView flattens a single-currency chart into one object.
type chartView struct {
	Range       charts.Range     `json:"range"`
	Finish      snapshots.Finish `json:"finish"`
	BucketWidth string           `json:"bucketWidth"`
	Start       time.Time        `json:"start"`
	End         time.Time        `json:"end"`
	charts.Series
}

type separateView struct {
	Range       charts.Range             `json:"range"`
	Finish      snapshots.Finish         `json:"finish"`
	BucketWidth string                   `json:"bucketWidth"`
	Start       time.Time                `json:"start"`
	End         time.Time                `json:"end"`
	Series      map[string]charts.Series `json:"series"`
}

func parseChartQuery(c *gin.Context) (charts.Query, error) {
	var q charts.Query
	rng, err := charts.ParseRange(c.Query("range"))
	if err != nil {
		return q, err
	}
	finish, err := snapshots.ParseFinish(c.Query("finish"))
	if err != nil {
		return q, err
	}
	q.Range = rng
	q.Finish = finish
	q.Source = c.Query("source")

	if s := c.Query("currency"); s != "" {
		cur, err := sources.NormalizeCurrency(s)
		if err != nil {
			return q, err
		}
		q.Currency = cur
	}
	if s := c.Query("separateCurrencies"); s != "" {
		sep, err := strconv.ParseBool(s)
		if err != nil {
			return q, fmt.Errorf("invalid separateCurrencies %q", s)
		}
		q.SeparateCurrencies = sep
	}
	if q.ItemIDs, err = parseIDs(c.Query("items")); err != nil {
		return q, err
	}
	if s := c.Query("ma"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > 120 {
			return q, fmt.Errorf("ma must be between 0 and 120")
		}
		q.MovingAverage = n
	}
	return q, nil
}

// GetIndexChart returns the normalized price index for the requested range.
func (h *APIHandler) GetIndexChart(c *gin.Context) {
	q, err := parseChartQuery(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.engine.Index(c.Request.Context(), q)
	if err != nil {
		h.storageError(c, "index chart", err)
		return
	}

	if !q.SeparateCurrencies {
		ok(c, chartView{
			Range:       res.Range,
			Finish:      res.Finish,
			BucketWidth: res.BucketWidth,
			Start:       res.Start,
			End:         res.End,
			Series:      res.Series[0],
		})
		return
	}
	byCurrency := make(map[string]charts.Series, len(res.Series))
	for _, s := range res.Series {
		byCurrency[s.Currency] = s
	}
	ok(c, separateView{
		Range:       res.Range,
		Finish:      res.Finish,
		BucketWidth: res.BucketWidth,
		Start:       res.Start,
		End:         res.End,
		Series:      byCurrency,
	})
}

// ExportIndexChart renders the same chart as an xlsx workbook, one sheet per currency.
func (h *APIHandler) ExportIndexChart(c *gin.Context) {
	q, err := parseChartQuery(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.engine.Index(c.Request.Context(), q)
	if err != nil {
		h.storageError(c, "index export", err)
		return
	}

	f, err := chartWorkbook(res)
	if err != nil {
		h.log.WithError(err).Error("build chart workbook")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}
	defer f.Close()
	buf, err := f.WriteToBuffer()
	if err != nil {
		h.log.WithError(err).Error("write chart workbook")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}

	name := fmt.Sprintf("index_%s_%s.xlsx", res.Range, res.Finish)
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

func chartWorkbook(res charts.Result) (*excelize.File, error) {
	f := excelize.NewFile()
	header := []interface{}{"timestamp", "index_value", "raw", "interpolated", "ma"}

	for i, s := range res.Series {
		sheet := s.Currency
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return nil, err
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			return nil, err
		}
		for j, p := range s.Points {
			cell, err := excelize.CoordinatesToCellName(1, j+2)
			if err != nil {
				return nil, err
			}
			row := []interface{}{p.Timestamp.Format(time.RFC3339), p.IndexValue, p.Raw, p.Interpolated, nil}
			if p.MA != nil {
				row[4] = *p.MA
			}
			if err := f.SetSheetRow(sheet, cell, &row); err != nil {
				return nil, err
			}
		}
		if err := f.SetColWidth(sheet, "A", "A", 22); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// GetFreshness reports how recently each source produced a snapshot.
func (h *APIHandler) GetFreshness(c *gin.Context) {
	var slugs []string
	if s := c.Query("source"); s != "" {
		if err := h.checkSources([]string{s}); err != nil {
			badRequest(c, err.Error())
			return
		}
		slugs = []string{s}
	} else {
		for _, a := range h.sources.All() {
			slugs = append(slugs, a.Slug())
		}
	}

	out, err := h.engine.Freshness(c.Request.Context(), slugs)
	if err != nil {
		h.storageError(c, "freshness", err)
		return
	}
	ok(c, out)
}
