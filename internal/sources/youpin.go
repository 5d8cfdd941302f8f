package sources

import (
	"context"
	"encoding/json"
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

// YouPin talks to the youpin898 open platform.
type YouPin struct {
	*client
	signer *rsaSigner
}

func NewYouPin(cfg config.SourceConfig, log *logger.Log) *YouPin {
	s := &YouPin{client: newClient(cfg, log)}
	s.inspect = throttledEnvelope
	return s
}

// UseKey enables request signing with a base64 PKCS8 RSA private key.
func (s *YouPin) UseKey(privateKeyBase64 string) error {
	signer, err := newRSASigner(privateKeyBase64)
	if err != nil {
		return err
	}
	s.signer = signer
	return nil
}

type youpinEnvelope struct {
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
	Timestamp int64  `json:"timestamp"`
}

// batchGetOnSaleCommodityInfo response
type youpinOnSaleResp struct {
	youpinEnvelope
	Data []struct {
		SaleTemplateResponse struct {
			TemplateID       int64  `json:"templateId"`
			TemplateHashName string `json:"templateHashName"`
		} `json:"saleTemplateResponse"`
		SaleCommodityResponse struct {
			MinSellPrice decimal.Decimal `json:"minSellPrice"`
			SellNum      int             `json:"sellNum"`
		} `json:"saleCommodityResponse"`
	} `json:"data"`
}

// goodsQuery response
type youpinGoodsResp struct {
	youpinEnvelope
	Data struct {
		CommodityList []struct {
			ID             int64           `json:"id"`
			CommodityPrice decimal.Decimal `json:"commodityPrice"`
			Abrade         string          `json:"abrade"`
			CommodityName  string          `json:"commodityName"`
			StoreName      string          `json:"storeName"`
		} `json:"commodityList"`
	} `json:"data"`
}

func (s *YouPin) templateID(item models.Item) (int64, error) {
	if item.YYYPTemplateID == nil || *item.YYYPTemplateID <= 0 {
		return 0, s.fail(KindNotFound, item.ID, fmt.Errorf("item has no youpin template id"))
	}
	return *item.YYYPTemplateID, nil
}

func (s *YouPin) post(ctx context.Context, itemID int64, path string, payload map[string]interface{}) ([]byte, error) {
	if s.apiKey != "" {
		payload["appKey"] = s.apiKey
	}
	payload["timestamp"] = time.Now().Format("2006-01-02 15:04:05")
	if s.signer != nil {
		sig, err := s.signer.sign(payload)
		if err != nil {
			return nil, s.fail(KindInvalidRequest, itemID, err)
		}
		payload["sign"] = sig
	}
	return s.do(ctx, itemID, http.MethodPost, path, func(r *resty.Request) {
		r.SetHeader("Content-Type", "application/json")
		r.SetBody(payload)
	})
}

// throttledEnvelope turns the open platform's in-band throttle code into a
// retryable failure.
func throttledEnvelope(body []byte) *Error {
	var env youpinEnvelope
	if json.Unmarshal(body, &env) != nil || env.Code != http.StatusTooManyRequests {
		return nil
	}
	return &Error{Kind: KindRateLimited, Status: http.StatusOK, Err: fmt.Errorf("api code %d: %s", env.Code, env.Msg)}
}

func (s *YouPin) envelopeErr(itemID int64, body []byte, env youpinEnvelope) error {
	if env.Code == 0 {
		return nil
	}
	return s.invalid(itemID, body, "api code %d: %s", env.Code, env.Msg)
}

func (s *YouPin) FetchCurrent(ctx context.Context, item models.Item) (Quote, error) {
	tid, err := s.templateID(item)
	if err != nil {
		return Quote{}, err
	}
	body, err := s.post(ctx, item.ID, "/open/v1/api/batchGetOnSaleCommodityInfo", map[string]interface{}{
		"requestList": []map[string]interface{}{{"templateId": tid}},
	})
	if err != nil {
		return Quote{}, err
	}

	var resp youpinOnSaleResp
	if err := s.decode(item.ID, body, &resp); err != nil {
		return Quote{}, err
	}
	if err := s.envelopeErr(item.ID, body, resp.youpinEnvelope); err != nil {
		return Quote{}, err
	}
	for _, d := range resp.Data {
		if d.SaleTemplateResponse.TemplateID != tid {
			continue
		}
		p := d.SaleCommodityResponse.MinSellPrice
		if d.SaleCommodityResponse.SellNum == 0 || !p.IsPositive() {
			break
		}
		return Quote{Price: p.InexactFloat64(), Currency: s.currency}, nil
	}
	return Quote{}, s.fail(KindNotFound, item.ID, fmt.Errorf("template %d not on sale", tid))
}

func (s *YouPin) FetchHistory(ctx context.Context, item models.Item, lookback time.Duration) ([]HistoryPoint, error) {
	return nil, s.unsupported(item.ID, "history")
}

func (s *YouPin) FetchListings(ctx context.Context, item models.Item, limit int) ([]Listing, error) {
	tid, err := s.templateID(item)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	body, err := s.post(ctx, item.ID, "/open/v1/api/goodsQuery", map[string]interface{}{
		"templateId": strconv.FormatInt(tid, 10),
		"pageSize":   limit,
		"page":       1,
		"sortType":   1, // price ascending
	})
	if err != nil {
		return nil, err
	}

	var resp youpinGoodsResp
	if err := s.decode(item.ID, body, &resp); err != nil {
		return nil, err
	}
	if err := s.envelopeErr(item.ID, body, resp.youpinEnvelope); err != nil {
		return nil, err
	}

	out := make([]Listing, 0, len(resp.Data.CommodityList))
	for _, c := range resp.Data.CommodityList {
		if len(out) == limit {
			break
		}
		out = append(out, Listing{
			ID:       strconv.FormatInt(c.ID, 10),
			Price:    c.CommodityPrice.InexactFloat64(),
			Currency: s.currency,
			Wear:     c.Abrade,
			Seller:   c.StoreName,
		})
	}
	return out, nil
}
