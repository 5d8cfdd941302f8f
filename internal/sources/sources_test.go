package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"price-tracker/internal/config"
	"price-tracker/internal/logger"
	"price-tracker/internal/models"
)

func testSource(kind, baseURL string) config.SourceConfig {
	return config.SourceConfig{
		Slug:              kind,
		Kind:              kind,
		BaseURL:           baseURL,
		Currency:          "USD",
		RequestsPerSecond: 1000,
		Burst:             100,
		MaxConcurrency:    5,
		Timeout:           2 * time.Second,
		MaxRetries:        3,
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		Current:           true,
		History:           true,
		Listings:          true,
	}
}

func int64p(v int64) *int64 { return &v }

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind Kind
		wantHits int32
	}{
		{"not found is terminal", http.StatusNotFound, KindNotFound, 1},
		{"bad request is terminal", http.StatusBadRequest, KindInvalidRequest, 1},
		{"server error retries then gives up", http.StatusBadGateway, KindTransient, 4},
		{"rate limit retries then gives up", http.StatusTooManyRequests, KindTransient, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&hits, 1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := newClient(testSource("csqaq", srv.URL), logger.Discard())
			_, err := c.do(context.Background(), 7, http.MethodGet, "/x", nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := KindOf(err); got != tt.wantKind {
				t.Errorf("kind = %s, want %s (%v)", got, tt.wantKind, err)
			}
			if got := atomic.LoadInt32(&hits); got != tt.wantHits {
				t.Errorf("hits = %d, want %d", got, tt.wantHits)
			}
		})
	}
}

func TestClient_RateLimitThenSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			// capped by MaxBackoff in the test config
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := newClient(testSource("csqaq", srv.URL), logger.Discard())
	start := time.Now()
	body, err := c.do(context.Background(), 1, http.MethodGet, "/x", nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %s", body)
	}
	if hits != 2 {
		t.Errorf("hits = %d, want 2", hits)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Retry-After hint was not capped")
	}
	if st := c.Stats(); st.Throttled != 1 || st.Requests != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestClient_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testSource("csqaq", srv.URL)
	cfg.BaseBackoff = time.Second
	cfg.MaxBackoff = time.Second
	c := newClient(cfg, logger.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.do(ctx, 1, http.MethodGet, "/x", nil)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("err = %v, want canceled", err)
	}
}

func TestLimiter_ConcurrencyCeiling(t *testing.T) {
	var inFlight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	cfg := testSource("csqaq", srv.URL)
	cfg.MaxConcurrency = 2
	c := newClient(cfg, logger.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := c.do(context.Background(), id, http.MethodGet, "/x", nil); err != nil {
				t.Errorf("do: %v", err)
			}
		}(int64(i))
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", peak)
	}
}

func TestLimiter_InstancesDoNotShareState(t *testing.T) {
	a := NewLimiter(100, 1, 1)
	b := NewLimiter(100, 1, 1)
	a.PauseFor(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("b blocked by a's pause: %v", err)
	}
	b.Release()
	if a.Stats().Throttled != 1 || b.Stats().Throttled != 0 {
		t.Errorf("throttle counters leaked: a=%+v b=%+v", a.Stats(), b.Stats())
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseBackoff: time.Second, MaxBackoff: 60 * time.Second}

	if d := p.Delay(1, 0); d < time.Second || d > 1250*time.Millisecond {
		t.Errorf("attempt 1 delay = %v", d)
	}
	if d := p.Delay(3, 0); d < 4*time.Second || d > 5*time.Second {
		t.Errorf("attempt 3 delay = %v", d)
	}
	if d := p.Delay(20, 0); d != 60*time.Second {
		t.Errorf("attempt 20 delay = %v, want cap", d)
	}
	if d := p.Delay(1, 7*time.Second); d != 7*time.Second {
		t.Errorf("hinted delay = %v, want 7s", d)
	}
	if d := p.Delay(1, 5*time.Minute); d != 60*time.Second {
		t.Errorf("hinted delay = %v, want cap", d)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := http.Header{}
	if d := parseRetryAfter(h, now); d != 0 {
		t.Errorf("empty = %v", d)
	}
	h.Set("Retry-After", "12")
	if d := parseRetryAfter(h, now); d != 12*time.Second {
		t.Errorf("seconds = %v", d)
	}
	h.Set("Retry-After", now.Add(90*time.Second).Format(http.TimeFormat))
	if d := parseRetryAfter(h, now); d != 90*time.Second {
		t.Errorf("date = %v", d)
	}
	h.Set("Retry-After", "soon")
	if d := parseRetryAfter(h, now); d != 0 {
		t.Errorf("garbage = %v", d)
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"$1,234.56", 1234.56, true},
		{"¥ 12.5", 12.5, true},
		{"0.03", 0.03, true},
		{"1,23€", 1.23, true},
		{"12,34 pуб.", 12.34, true},
		{"1.234,56€", 1234.56, true},
		{"$1,234", 1234, true},
		{"1 234,5 pуб.", 1234.5, true},
		{"--", 0, false},
		{"pуб.", 0, false},
	}
	for _, tt := range tests {
		got, err := parsePrice(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("parsePrice(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parsePrice(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeCurrency(t *testing.T) {
	if c, err := NormalizeCurrency(" cny "); err != nil || c != "CNY" {
		t.Errorf("NormalizeCurrency = %q, %v", c, err)
	}
	if _, err := NormalizeCurrency("XYZ1"); err == nil {
		t.Error("expected error for unknown currency")
	}
	if got := FormatAmount(12.5, "USD"); got != "$12.50" {
		t.Errorf("FormatAmount = %q", got)
	}
}

func TestCSQAQ_FetchCurrent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("ApiToken") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Query().Get("id") {
		case "1":
			fmt.Fprint(w, `{"code":200,"data":{"goods_info":{"id":1,"name":"AK-47 | 红线","market_hash_name":"AK-47 | Redline (Field-Tested)","yyyp_sell_price":12.5,"buff_sell_price":13}}}`)
		case "2":
			fmt.Fprint(w, `{"code":200,"data":{"goods_info":{"id":2,"yyyp_sell_price":0,"buff_sell_price":"8.25"}}}`)
		case "3":
			fmt.Fprint(w, `{"code":200,"data":{"goods_info":{"id":0}}}`)
		default:
			fmt.Fprint(w, `<html>`)
		}
	}))
	defer srv.Close()

	cfg := testSource("csqaq", srv.URL)
	cfg.APIKey = "secret"
	cfg.Currency = "CNY"
	s := NewCSQAQ(cfg, logger.Discard())
	ctx := context.Background()

	q, err := s.FetchCurrent(ctx, models.Item{ID: 10, CSQAQGoodID: int64p(1)})
	if err != nil || q.Price != 12.5 || q.Currency != "CNY" {
		t.Errorf("good 1 = %+v, %v", q, err)
	}
	q, err = s.FetchCurrent(ctx, models.Item{ID: 11, CSQAQGoodID: int64p(2)})
	if err != nil || q.Price != 8.25 {
		t.Errorf("good 2 = %+v, %v (want BUFF fallback)", q, err)
	}
	if _, err = s.FetchCurrent(ctx, models.Item{ID: 12, CSQAQGoodID: int64p(3)}); !errors.Is(err, ErrNotFound) {
		t.Errorf("good 3 err = %v, want not found", err)
	}
	if _, err = s.FetchCurrent(ctx, models.Item{ID: 13, CSQAQGoodID: int64p(4)}); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("good 4 err = %v, want invalid response", err)
	}
	if _, err = s.FetchCurrent(ctx, models.Item{ID: 14}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unmapped item err = %v, want not found", err)
	}
	if _, err = s.FetchListings(ctx, models.Item{ID: 10}, 5); !errors.Is(err, ErrUnsupported) {
		t.Errorf("listings err = %v, want unsupported", err)
	}

	it, err := s.LookupGood(ctx, 1)
	if err != nil || it.ID != 1 || it.MarketHashName != "AK-47 | Redline (Field-Tested)" || *it.CSQAQGoodID != 1 {
		t.Errorf("lookup = %+v, %v", it, err)
	}
	if _, err := s.LookupGood(ctx, 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("lookup 3 err = %v", err)
	}
}

func TestCSQAQ_FetchHistory(t *testing.T) {
	now := time.Now().UTC()
	old := now.Add(-40 * 24 * time.Hour).UnixMilli()
	t1 := now.Add(-2 * time.Hour).UnixMilli()
	t2 := now.Add(-1 * time.Hour).UnixMilli()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"code":200,"data":{"timestamp":[%d,%d,%d],"main_data":[9,11,10]}}`, t2, old, t1)
	}))
	defer srv.Close()

	s := NewCSQAQ(testSource("csqaq", srv.URL), logger.Discard())
	points, err := s.FetchHistory(context.Background(), models.Item{ID: 1, CSQAQGoodID: int64p(1)}, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("len = %d, want 2 (old point outside lookback)", len(points))
	}
	if !points[0].Time.Before(points[1].Time) || points[0].Price != 10 || points[1].Price != 9 {
		t.Errorf("points not ascending: %+v", points)
	}
}

func TestYouPin_InBandThrottleIsRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			fmt.Fprint(w, `{"code":429,"msg":"too frequent"}`)
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/batchGetOnSaleCommodityInfo") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"code":0,"data":[{"saleTemplateResponse":{"templateId":55},"saleCommodityResponse":{"minSellPrice":"31.20","sellNum":4}}]}`)
	}))
	defer srv.Close()

	s := NewYouPin(testSource("youpin", srv.URL), logger.Discard())
	q, err := s.FetchCurrent(context.Background(), models.Item{ID: 1, YYYPTemplateID: int64p(55)})
	if err != nil {
		t.Fatalf("FetchCurrent: %v", err)
	}
	if q.Price != 31.2 || hits != 2 {
		t.Errorf("quote = %+v hits = %d", q, hits)
	}
}

func TestYouPin_FetchListings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"commodityList":[
			{"id":1,"commodityPrice":"10.5","abrade":"0.07","storeName":"a"},
			{"id":2,"commodityPrice":"10.9","abrade":"0.15","storeName":"b"},
			{"id":3,"commodityPrice":"11","abrade":"0.20","storeName":"c"}]}}`)
	}))
	defer srv.Close()

	s := NewYouPin(testSource("youpin", srv.URL), logger.Discard())
	got, err := s.FetchListings(context.Background(), models.Item{ID: 1, YYYPTemplateID: int64p(9)}, 2)
	if err != nil {
		t.Fatalf("FetchListings: %v", err)
	}
	if len(got) != 2 || got[0].ID != "1" || got[1].Price != 10.9 || got[0].Wear != "0.07" {
		t.Errorf("listings = %+v", got)
	}
}

func TestSteam_FetchCurrentWithPremium(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("market_hash_name")
		switch {
		case strings.HasPrefix(name, steamPremiumPrefix):
			fmt.Fprint(w, `{"success":true,"lowest_price":"$4.10"}`)
		case name == "AK-47 | Redline (Field-Tested)":
			fmt.Fprint(w, `{"success":true,"lowest_price":"$1,001.20","median_price":"$990"}`)
		default:
			fmt.Fprint(w, `{"success":false}`)
		}
	}))
	defer srv.Close()

	s := NewSteam(testSource("steam", srv.URL), logger.Discard())
	ctx := context.Background()

	q, err := s.FetchCurrent(ctx, models.Item{ID: 1, MarketHashName: "AK-47 | Redline (Field-Tested)", HasPremium: true})
	if err != nil {
		t.Fatalf("FetchCurrent: %v", err)
	}
	if q.Price != 1001.2 || q.AltPrice == nil || *q.AltPrice != 4.1 {
		t.Errorf("quote = %+v", q)
	}

	_, err = s.FetchCurrent(ctx, models.Item{ID: 2, MarketHashName: "Nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestSteam_FetchHistory(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Hour)
	label := func(ts time.Time) string { return ts.Format(steamHistoryLayout) + ": +0" }
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"success":true,"prices":[["%s",1.5,"10"],["%s",1.75,"3"]]}`,
			label(now.Add(-3*time.Hour)), label(now.Add(-1*time.Hour)))
	}))
	defer srv.Close()

	s := NewSteam(testSource("steam", srv.URL), logger.Discard())
	points, err := s.FetchHistory(context.Background(), models.Item{ID: 1, MarketHashName: "X"}, 24*time.Hour)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("len = %d", len(points))
	}
	if !points[0].Time.Equal(now.Add(-3*time.Hour)) || points[1].Price != 1.75 {
		t.Errorf("points = %+v", points)
	}
}

func TestNewRegistry(t *testing.T) {
	off := false
	cfgs := []config.SourceConfig{
		testSource("steam", "http://steam.invalid"),
		testSource("csqaq", "http://csqaq.invalid"),
		testSource("youpin", "http://youpin.invalid"),
	}
	cfgs[2].Enabled = &off
	cfgs[1].History = false

	r, err := NewRegistry(cfgs, logger.Discard())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if len(r.All()) != 2 {
		t.Fatalf("adapters = %d, want 2", len(r.All()))
	}
	if _, ok := r.Get("youpin"); ok {
		t.Error("disabled source registered")
	}
	if got := r.With(SupportsHistory); len(got) != 1 || got[0].Slug() != "steam" {
		t.Errorf("history-capable = %v", got)
	}
	if len(r.Stats()) != 2 {
		t.Errorf("stats = %v", r.Stats())
	}

	bad := testSource("mystery", "http://x.invalid")
	if _, err := NewRegistry([]config.SourceConfig{bad}, logger.Discard()); err == nil {
		t.Error("expected unknown kind error")
	}
	bad = testSource("steam", "http://x.invalid")
	bad.Currency = "JPY"
	if _, err := NewRegistry([]config.SourceConfig{bad}, logger.Discard()); err == nil {
		t.Error("expected unsupported steam currency error")
	}
}
