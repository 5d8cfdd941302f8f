package snapshots

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"price-tracker/internal/database"
	"price-tracker/internal/logger"
	"price-tracker/internal/models"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewStore(db, time.Hour, logger.Discard()), db
}

func f64(v float64) *float64 { return &v }

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestUpsert_Idempotent(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	snap := Snapshot{ItemID: 1, Source: "steam", SampledAt: t0.Add(10 * time.Minute), Price: 10, Currency: "USD"}

	o, err := s.Upsert(ctx, snap)
	if err != nil || o != Created {
		t.Fatalf("first upsert = %v, %v", o, err)
	}
	o, err = s.Upsert(ctx, snap)
	if err != nil || o != Updated {
		t.Fatalf("second upsert = %v, %v", o, err)
	}

	var n int64
	db.Model(&models.PriceSnapshot{}).Count(&n)
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestUpsert_LastWriterWins(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	// same hour bucket, different sample times
	first := Snapshot{ItemID: 1, Source: "steam", SampledAt: t0.Add(5 * time.Minute), Price: 10, AltPrice: f64(30), Currency: "USD"}
	second := Snapshot{ItemID: 1, Source: "steam", SampledAt: t0.Add(50 * time.Minute), Price: 12, Currency: "USD"}
	if _, err := s.Upsert(ctx, first); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upsert(ctx, second); err != nil {
		t.Fatal(err)
	}

	var rows []models.PriceSnapshot
	db.Find(&rows)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.Price != 12 || r.AltPrice != nil || r.WriteCount != 2 {
		t.Errorf("row = %+v", r)
	}
	if r.BucketUnix != t0.Unix() {
		t.Errorf("bucket = %d, want %d", r.BucketUnix, t0.Unix())
	}
	if r.Provenance != models.ProvenanceRealtime {
		t.Errorf("provenance = %q", r.Provenance)
	}
}

func TestUpsert_DistinctKeys(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	snaps := []Snapshot{
		{ItemID: 1, Source: "steam", SampledAt: t0, Price: 1, Currency: "USD"},
		{ItemID: 1, Source: "csqaq", SampledAt: t0, Price: 7, Currency: "CNY"},
		{ItemID: 1, Source: "steam", SampledAt: t0.Add(time.Hour), Price: 2, Currency: "USD"},
		{ItemID: 2, Source: "steam", SampledAt: t0, Price: 3, Currency: "USD"},
	}
	outcomes, err := s.UpsertBatch(ctx, snaps)
	if err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	for i, o := range outcomes {
		if o != Created {
			t.Errorf("outcome[%d] = %v, want created", i, o)
		}
	}
	var n int64
	db.Model(&models.PriceSnapshot{}).Count(&n)
	if n != 4 {
		t.Errorf("rows = %d, want 4", n)
	}
}

func TestUpsert_ConcurrentWritersSameKey(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(price float64) {
			defer wg.Done()
			_, err := s.Upsert(ctx, Snapshot{ItemID: 9, Source: "steam", SampledAt: t0, Price: price, Currency: "USD"})
			errs <- err
		}(float64(100 + i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	var rows []models.PriceSnapshot
	db.Find(&rows)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].Price < 100 || rows[0].Price >= 100+writers {
		t.Errorf("price = %v, not one of the written values", rows[0].Price)
	}
	if rows[0].WriteCount != writers {
		t.Errorf("write_count = %d, want %d", rows[0].WriteCount, writers)
	}
}

func TestUpsert_StorageUnavailable(t *testing.T) {
	s, db := newTestStore(t)
	sqlDB, _ := db.DB()
	sqlDB.Close()

	_, err := s.Upsert(context.Background(), Snapshot{ItemID: 1, Source: "steam", SampledAt: t0, Price: 1, Currency: "USD"})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
}

func TestRangeAverage(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	snaps := []Snapshot{
		{ItemID: 1, Source: "a", SampledAt: t0, Price: 10, Currency: "USD"},
		{ItemID: 2, Source: "a", SampledAt: t0.Add(time.Hour), Price: 20, AltPrice: f64(40), Currency: "USD"},
		{ItemID: 1, Source: "a", SampledAt: t0.Add(2 * time.Hour), Price: 30, Currency: "USD"},
		{ItemID: 1, Source: "b", SampledAt: t0.Add(time.Hour), Price: 1000, Currency: "CNY"},
		{ItemID: 3, Source: "a", SampledAt: t0.Add(5 * time.Hour), Price: 99, Currency: "USD"},
	}
	if _, err := s.UpsertBatch(ctx, snaps); err != nil {
		t.Fatal(err)
	}

	// two-hour buckets over [t0, t0+4h)
	got, err := s.RangeAverage(ctx, Filter{Currency: "USD"}, t0, t0.Add(4*time.Hour), 2*time.Hour)
	if err != nil {
		t.Fatalf("RangeAverage: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("buckets = %+v", got)
	}
	if !got[0].Start.Equal(t0) || got[0].Avg != 15 || got[0].Items != 2 || got[0].Samples != 2 {
		t.Errorf("bucket 0 = %+v", got[0])
	}
	if !got[1].Start.Equal(t0.Add(2*time.Hour)) || got[1].Avg != 30 || got[1].Items != 1 {
		t.Errorf("bucket 1 = %+v", got[1])
	}

	premium, err := s.RangeAverage(ctx, Filter{Currency: "USD", Finish: FinishPremium}, t0, t0.Add(4*time.Hour), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(premium) != 1 || premium[0].Avg != 40 {
		t.Errorf("premium = %+v", premium)
	}

	bySource, err := s.RangeAverage(ctx, Filter{Source: "b"}, t0, t0.Add(4*time.Hour), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(bySource) != 1 || bySource[0].Avg != 1000 {
		t.Errorf("source b = %+v", bySource)
	}
}

func TestLatestSnapshotTime(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LatestSnapshotTime(ctx, Filter{}); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}
	latest := t0.Add(3*time.Hour + 17*time.Minute)
	s.Upsert(ctx, Snapshot{ItemID: 1, Source: "a", SampledAt: t0, Price: 1, Currency: "USD"})
	s.Upsert(ctx, Snapshot{ItemID: 1, Source: "a", SampledAt: latest, Price: 1, Currency: "USD"})
	s.Upsert(ctx, Snapshot{ItemID: 1, Source: "b", SampledAt: latest.Add(time.Hour), Price: 1, Currency: "CNY"})

	got, ok, err := s.LatestSnapshotTime(ctx, Filter{Currency: "USD"})
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !got.Equal(latest) {
		t.Errorf("latest = %v, want %v", got, latest)
	}

	// bounded to the first hour only
	got, ok, err = s.LatestSnapshotTime(ctx, Filter{Since: t0, Until: t0.Add(time.Hour)})
	if err != nil || !ok || !got.Equal(t0) {
		t.Errorf("bounded latest = %v ok=%v err=%v, want %v", got, ok, err, t0)
	}
}

func TestParseFinish(t *testing.T) {
	if f, err := ParseFinish(""); err != nil || f != FinishRegular {
		t.Errorf("empty = %q, %v", f, err)
	}
	if f, err := ParseFinish("premium"); err != nil || f != FinishPremium {
		t.Errorf("premium = %q, %v", f, err)
	}
	if _, err := ParseFinish("foil"); err == nil {
		t.Error("expected error")
	}
}

func TestTransact_RetriesLockContention(t *testing.T) {
	s, _ := newTestStore(t)
	s.retryDelay = time.Millisecond

	calls := 0
	err := s.transact(context.Background(), func(tx *gorm.DB) error {
		calls++
		if calls == 1 {
			return &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("err = %v calls = %d", err, calls)
	}

	calls = 0
	err = s.transact(context.Background(), func(tx *gorm.DB) error {
		calls++
		return errors.New("database is locked (5) (SQLITE_BUSY)")
	})
	if err == nil || calls != lockRetries {
		t.Errorf("err = %v calls = %d, want %d attempts", err, calls, lockRetries)
	}

	calls = 0
	_ = s.transact(context.Background(), func(tx *gorm.DB) error {
		calls++
		return errors.New("CHECK constraint failed")
	})
	if calls != 1 {
		t.Errorf("non-contention error retried %d times", calls)
	}
}

func TestUpsertBatch_RejectedRowKeepsTheRest(t *testing.T) {
	s, db := newTestStore(t)
	err := db.Exec(`CREATE TRIGGER reject_negative BEFORE INSERT ON price_snapshots
		WHEN NEW.price < 0 BEGIN SELECT RAISE(ABORT, 'negative price'); END`).Error
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	out, err := s.UpsertBatch(context.Background(), []Snapshot{
		{ItemID: 1, Source: "steam", SampledAt: t0, Price: 1, Currency: "USD"},
		{ItemID: 2, Source: "steam", SampledAt: t0, Price: -1, Currency: "USD"},
		{ItemID: 3, Source: "steam", SampledAt: t0, Price: 3, Currency: "USD"},
	})
	if err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	want := []Outcome{Created, Rejected, Created}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("outcome[%d] = %s, want %s", i, out[i], want[i])
		}
	}
	var n int64
	db.Model(&models.PriceSnapshot{}).Count(&n)
	if n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
}
