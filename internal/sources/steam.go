package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"price-tracker/internal/config"
	"price-tracker/internal/logger"
	"price-tracker/internal/models"

	"github.com/go-resty/resty/v2"
)

const (
	steamAppID = "730"
	// StatTrak prefix Steam uses for the premium variant of an item.
	steamPremiumPrefix = "StatTrak™ "
	steamHistoryLayout = "Jan 02 2006 15"
)

// steamCurrencyIDs maps ISO codes to the Steam Community wallet currency ids.
var steamCurrencyIDs = map[string]string{
	"USD": "1",
	"GBP": "2",
	"EUR": "3",
	"RUB": "5",
	"CNY": "23",
}

// Steam reads the Steam Community Market price endpoints.
type Steam struct {
	*client
}

func NewSteam(cfg config.SourceConfig, log *logger.Log) *Steam {
	return &Steam{client: newClient(cfg, log)}
}

type steamPriceOverview struct {
	Success     bool   `json:"success"`
	LowestPrice string `json:"lowest_price"`
	MedianPrice string `json:"median_price"`
	Volume      string `json:"volume"`
}

type steamPriceHistory struct {
	Success bool                `json:"success"`
	Prices  [][]json.RawMessage `json:"prices"`
}

func (s *Steam) hashName(item models.Item) (string, error) {
	name := strings.TrimSpace(item.MarketHashName)
	if name == "" {
		return "", s.fail(KindNotFound, item.ID, fmt.Errorf("item has no market hash name"))
	}
	return name, nil
}

func (s *Steam) overview(ctx context.Context, itemID int64, hashName string) (float64, error) {
	body, err := s.do(ctx, itemID, http.MethodGet, "/market/priceoverview/", func(r *resty.Request) {
		r.SetQueryParams(map[string]string{
			"appid":            steamAppID,
			"currency":         steamCurrencyIDs[s.currency],
			"market_hash_name": hashName,
		})
	})
	if err != nil {
		return 0, err
	}

	var po steamPriceOverview
	if err := s.decode(itemID, body, &po); err != nil {
		return 0, err
	}
	if !po.Success {
		return 0, s.fail(KindNotFound, itemID, fmt.Errorf("no market for %q", hashName))
	}
	raw := po.LowestPrice
	if raw == "" {
		raw = po.MedianPrice
	}
	if raw == "" {
		return 0, s.fail(KindNotFound, itemID, fmt.Errorf("no listings for %q", hashName))
	}
	price, err := parsePrice(raw)
	if err != nil {
		return 0, s.invalid(itemID, body, "%v", err)
	}
	return price, nil
}

// FetchCurrent returns the lowest listing price. For items with a premium
// variant the StatTrak price is fetched as AltPrice; a missing premium
// market only drops AltPrice.
func (s *Steam) FetchCurrent(ctx context.Context, item models.Item) (Quote, error) {
	name, err := s.hashName(item)
	if err != nil {
		return Quote{}, err
	}
	price, err := s.overview(ctx, item.ID, name)
	if err != nil {
		return Quote{}, err
	}
	q := Quote{Price: price, Currency: s.currency}

	if item.HasPremium && !strings.HasPrefix(name, steamPremiumPrefix) {
		alt, err := s.overview(ctx, item.ID, steamPremiumPrefix+name)
		switch {
		case err == nil:
			q.AltPrice = &alt
		case errors.Is(err, ErrCanceled):
			return Quote{}, err
		default:
			s.log.WithFields(logger.Fields{"item_id": item.ID, "kind": KindOf(err)}).Debug("premium price unavailable")
		}
	}
	return q, nil
}

func (s *Steam) FetchHistory(ctx context.Context, item models.Item, lookback time.Duration) ([]HistoryPoint, error) {
	name, err := s.hashName(item)
	if err != nil {
		return nil, err
	}
	body, err := s.do(ctx, item.ID, http.MethodGet, "/market/pricehistory/", func(r *resty.Request) {
		r.SetQueryParams(map[string]string{
			"appid":            steamAppID,
			"currency":         steamCurrencyIDs[s.currency],
			"market_hash_name": name,
		})
	})
	if err != nil {
		return nil, err
	}

	var ph steamPriceHistory
	if err := s.decode(item.ID, body, &ph); err != nil {
		return nil, err
	}
	if !ph.Success {
		return nil, s.fail(KindNotFound, item.ID, fmt.Errorf("no history for %q", name))
	}

	cutoff := time.Now().Add(-lookback)
	points := make([]HistoryPoint, 0, len(ph.Prices))
	for _, row := range ph.Prices {
		if len(row) < 2 {
			return nil, s.invalid(item.ID, body, "history row has %d columns", len(row))
		}
		ts, err := parseSteamHistoryTime(row[0])
		if err != nil {
			return nil, s.invalid(item.ID, body, "%v", err)
		}
		var price float64
		if err := json.Unmarshal(row[1], &price); err != nil {
			return nil, s.invalid(item.ID, body, "bad history price %s", string(row[1]))
		}
		if ts.Before(cutoff) || price <= 0 {
			continue
		}
		points = append(points, HistoryPoint{Time: ts, Price: price, Currency: s.currency})
	}
	sortHistory(points)
	return points, nil
}

// parseSteamHistoryTime reads labels like "Oct 18 2026 01: +0".
func parseSteamHistoryTime(raw json.RawMessage) (time.Time, error) {
	var label string
	if err := json.Unmarshal(raw, &label); err != nil {
		return time.Time{}, fmt.Errorf("bad history label %s", string(raw))
	}
	label = strings.TrimSpace(label)
	if i := strings.Index(label, ":"); i >= 0 {
		label = label[:i]
	}
	ts, err := time.ParseInLocation(steamHistoryLayout, label, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad history label %q: %w", label, err)
	}
	return ts, nil
}

func (s *Steam) FetchListings(ctx context.Context, item models.Item, limit int) ([]Listing, error) {
	return nil, s.unsupported(item.ID, "listings")
}
