package sources

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"price-tracker/internal/config"
	"price-tracker/internal/logger"
	"price-tracker/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// CSQAQ aggregates YouPin and BUFF quotes per good id.
type CSQAQ struct {
	*client
}

func NewCSQAQ(cfg config.SourceConfig, log *logger.Log) *CSQAQ {
	return &CSQAQ{client: newClient(cfg, log)}
}

type csqaqGoodResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		GoodsInfo struct {
			ID             int64           `json:"id"`
			Name           string          `json:"name"`
			MarketHashName string          `json:"market_hash_name"`
			YyypSellPrice  decimal.Decimal `json:"yyyp_sell_price"`
			BuffSellPrice  decimal.Decimal `json:"buff_sell_price"`
			YyypSellNum    int             `json:"yyyp_sell_num"`
		} `json:"goods_info"`
	} `json:"data"`
}

type csqaqChartResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Timestamp []int64           `json:"timestamp"` // ms
		MainData  []decimal.Decimal `json:"main_data"`
	} `json:"data"`
}

func (s *CSQAQ) auth(r *resty.Request) {
	if s.apiKey != "" {
		r.SetHeader("ApiToken", s.apiKey)
	}
}

func (s *CSQAQ) goodID(item models.Item) (int64, error) {
	if item.CSQAQGoodID == nil || *item.CSQAQGoodID <= 0 {
		return 0, s.fail(KindNotFound, item.ID, fmt.Errorf("item has no csqaq good id"))
	}
	return *item.CSQAQGoodID, nil
}

// good fetches the goods info record for a CSQAQ good id.
func (s *CSQAQ) good(ctx context.Context, itemID, goodID int64) (csqaqGoodResp, error) {
	var gr csqaqGoodResp
	body, err := s.do(ctx, itemID, http.MethodGet, "info/good", func(r *resty.Request) {
		s.auth(r)
		r.SetQueryParam("id", strconv.FormatInt(goodID, 10))
	})
	if err != nil {
		return gr, err
	}
	if err := s.decode(itemID, body, &gr); err != nil {
		return gr, err
	}
	if gr.Code == http.StatusNotFound || (gr.Code == 200 && gr.Data.GoodsInfo.ID == 0) {
		return gr, s.fail(KindNotFound, itemID, fmt.Errorf("good %d: %s", goodID, gr.Msg))
	}
	if gr.Code != 200 {
		return gr, s.invalid(itemID, body, "api code %d: %s", gr.Code, gr.Msg)
	}
	return gr, nil
}

func (s *CSQAQ) FetchCurrent(ctx context.Context, item models.Item) (Quote, error) {
	id, err := s.goodID(item)
	if err != nil {
		return Quote{}, err
	}
	gr, err := s.good(ctx, item.ID, id)
	if err != nil {
		return Quote{}, err
	}

	// YouPin first, BUFF when YouPin has no sellers.
	price := gr.Data.GoodsInfo.YyypSellPrice
	if !price.IsPositive() {
		price = gr.Data.GoodsInfo.BuffSellPrice
	}
	if !price.IsPositive() {
		return Quote{}, s.fail(KindNotFound, item.ID, fmt.Errorf("good %d has no sell price", id))
	}
	return Quote{Price: price.InexactFloat64(), Currency: s.currency}, nil
}

// LookupGood resolves a CSQAQ good id into a catalog item keyed by that id.
func (s *CSQAQ) LookupGood(ctx context.Context, goodID int64) (models.Item, error) {
	gr, err := s.good(ctx, goodID, goodID)
	if err != nil {
		return models.Item{}, err
	}
	info := gr.Data.GoodsInfo
	id := info.ID
	return models.Item{
		ID:             id,
		Name:           info.Name,
		MarketHashName: info.MarketHashName,
		CSQAQGoodID:    &id,
	}, nil
}

func (s *CSQAQ) FetchHistory(ctx context.Context, item models.Item, lookback time.Duration) ([]HistoryPoint, error) {
	id, err := s.goodID(item)
	if err != nil {
		return nil, err
	}
	days := int(lookback.Hours()/24) + 1
	body, err := s.do(ctx, item.ID, http.MethodGet, "info/chart", func(r *resty.Request) {
		s.auth(r)
		r.SetQueryParams(map[string]string{
			"id":     strconv.FormatInt(id, 10),
			"key":    "sell_price",
			"period": strconv.Itoa(days),
		})
	})
	if err != nil {
		return nil, err
	}

	var cr csqaqChartResp
	if err := s.decode(item.ID, body, &cr); err != nil {
		return nil, err
	}
	if cr.Code != 200 {
		return nil, s.invalid(item.ID, body, "api code %d: %s", cr.Code, cr.Msg)
	}
	if len(cr.Data.Timestamp) != len(cr.Data.MainData) {
		return nil, s.invalid(item.ID, body, "chart length mismatch: %d timestamps, %d prices",
			len(cr.Data.Timestamp), len(cr.Data.MainData))
	}

	cutoff := time.Now().Add(-lookback)
	points := make([]HistoryPoint, 0, len(cr.Data.Timestamp))
	for i, ms := range cr.Data.Timestamp {
		ts := time.UnixMilli(ms).UTC()
		p := cr.Data.MainData[i]
		if ts.Before(cutoff) || !p.IsPositive() {
			continue
		}
		points = append(points, HistoryPoint{Time: ts, Price: p.InexactFloat64(), Currency: s.currency})
	}
	sortHistory(points)
	return points, nil
}

func (s *CSQAQ) FetchListings(ctx context.Context, item models.Item, limit int) ([]Listing, error) {
	return nil, s.unsupported(item.ID, "listings")
}
