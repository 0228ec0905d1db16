// Package metricsstore persists gateway usage as a minute/hour/day
// time-series in SQL, queried back for the operator-facing metrics API. It
// is deliberately separate from internal/metrics' live Prometheus gauges:
// that package answers "what's happening right now", this one answers
// "what happened", and both are wired side by side exactly as a live
// internal/metrics (Prometheus) and a persisted usage-accounting table
// already coexist.
package metricsstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Granularity names one of the three roll-up resolutions a Row is stored at.
type Granularity string

const (
	Minute Granularity = "minute"
	Hour   Granularity = "hour"
	Day    Granularity = "day"
)

// Row is one aggregated metric bucket: scope_key identifies what's being
// measured (e.g. "client:acme" or "server:filesystem"), name is the metric
// (e.g. "tool_calls", "tool_errors", "llm_tokens_prompt"), Timestamp is
// truncated to the start of its Granularity bucket.
//
// A gateway-level Metric Row bundles many quantities (requests, successes,
// failures, tokens, cost, ...) under one (scope-key, granularity, timestamp)
// key; this schema instead keys each quantity by its own Name, so one
// bucket's worth of reporting is several Rows rather than one wide row with
// many columns. That trades a slightly larger table for never needing a
// migration to add a quantity — Summary (below) recomposes the wide view a
// caller actually wants at query time. See DESIGN.md for the rationale.
type Row struct {
	ScopeKey    string      `gorm:"primaryKey;size:200;index:idx_scope_gran_ts,priority:1"`
	Granularity Granularity `gorm:"primaryKey;size:10;index:idx_scope_gran_ts,priority:2"`
	Timestamp   time.Time   `gorm:"primaryKey;index:idx_scope_gran_ts,priority:3,sort:desc"`
	Name        string      `gorm:"primaryKey;size:100"`
	Value       float64
	Count       int64
}

func (Row) TableName() string { return "gateway_metric_rows" }

// LatencySample is one raw latency observation kept so percentiles can be
// recomputed exactly from the set of samples in a bucket, rather than
// approximated from a running sum: a roll-up's hour/day bucket recomputes
// its percentiles from the union of the finer samples that fall into it,
// same as Row's counters sum and its means are recomputed on RollUp.
type LatencySample struct {
	ID          uint        `gorm:"primaryKey"`
	ScopeKey    string      `gorm:"size:200;index:idx_sample_lookup,priority:1"`
	Granularity Granularity `gorm:"size:10;index:idx_sample_lookup,priority:2"`
	Timestamp   time.Time   `gorm:"index:idx_sample_lookup,priority:3"`
	Metric      string      `gorm:"size:100;index:idx_sample_lookup,priority:4"`
	ValueMS     float64
}

func (LatencySample) TableName() string { return "gateway_metric_latency_samples" }

// Store records and rolls up metric samples into the Row schema.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New runs the table migration and returns a ready Store.
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if err := db.AutoMigrate(&Row{}, &LatencySample{}); err != nil {
		return nil, fmt.Errorf("metricsstore: automigrate: %w", err)
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "metricsstore"))}, nil
}

// Record adds value (and one count) to the minute-bucket row for
// scope/name at ts, upserting idempotently: calling Record twice for the
// same minute/scope/name accumulates rather than duplicating rows, so
// callers can safely retry.
func (s *Store) Record(ctx context.Context, scopeKey, name string, ts time.Time, value float64) error {
	bucket := ts.Truncate(time.Minute)
	row := Row{ScopeKey: scopeKey, Granularity: Minute, Timestamp: bucket, Name: name, Value: value, Count: 1}

	return s.db.WithContext(ctx).Clauses(upsertAccumulate()).Create(&row).Error
}

// RecordMethodCount records one occurrence of method under scopeKey's
// per-method breakdown (the tool-protocol Metric Row's optional per-method
// counts). It reuses Row rather than a new table: the method name is folded
// into the metric name with a reserved prefix, so QueryMethodCounts can
// recover it with a LIKE-free prefix match.
func (s *Store) RecordMethodCount(ctx context.Context, scopeKey, method string, ts time.Time) error {
	return s.Record(ctx, scopeKey, methodCountName(method), ts, 1)
}

func methodCountName(method string) string { return "method:" + method }

// RecordLatency records one latency observation both into the running
// sum/count Row named name (so avg-latency-ms stays a cheap Query) and into
// the raw sample table that backs percentile queries.
func (s *Store) RecordLatency(ctx context.Context, scopeKey, name string, ts time.Time, ms float64) error {
	if err := s.Record(ctx, scopeKey, name, ts, ms); err != nil {
		return err
	}
	sample := LatencySample{ScopeKey: scopeKey, Granularity: Minute, Timestamp: ts.Truncate(time.Minute), Metric: name, ValueMS: ms}
	return s.db.WithContext(ctx).Create(&sample).Error
}

// upsertAccumulate builds the ON CONFLICT clause Record relies on: a second
// Record call for the same (scope, granularity, timestamp, name) adds to the
// existing row's value/count instead of failing on the composite primary key
// or clobbering it.
func upsertAccumulate() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{
			{Name: "scope_key"},
			{Name: "granularity"},
			{Name: "timestamp"},
			{Name: "name"},
		},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"value": gorm.Expr("gateway_metric_rows.value + excluded.value"),
			"count": gorm.Expr("gateway_metric_rows.count + excluded.count"),
		}),
	}
}

// RollUp aggregates every minute Row (and LatencySample) whose bucket falls
// within [from, to) into hour rows, and every hour bucket into day rows. It's
// idempotent: running it twice over the same range produces the same
// totals, since each run recomputes the target row from a fresh SUM over its
// source rows rather than incrementing it.
func (s *Store) RollUp(ctx context.Context, from, to time.Time) error {
	if err := s.rollUp(ctx, Minute, Hour, from, to, truncateHour); err != nil {
		return err
	}
	if err := s.rollUpSamples(ctx, Minute, Hour, from, to, truncateHour); err != nil {
		return err
	}
	if err := s.rollUp(ctx, Hour, Day, from, to, truncateDay); err != nil {
		return err
	}
	return s.rollUpSamples(ctx, Hour, Day, from, to, truncateDay)
}

func truncateHour(t time.Time) time.Time { return t.Truncate(time.Hour) }
func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *Store) rollUp(ctx context.Context, src, dst Granularity, from, to time.Time, bucketOf func(time.Time) time.Time) error {
	var rows []Row
	if err := s.db.WithContext(ctx).
		Where("granularity = ? AND timestamp >= ? AND timestamp < ?", src, from, to).
		Find(&rows).Error; err != nil {
		return fmt.Errorf("metricsstore: rollup select %s: %w", src, err)
	}

	type key struct {
		scope  string
		name   string
		bucket time.Time
	}
	totals := make(map[key]struct {
		value float64
		count int64
	})
	for _, r := range rows {
		k := key{scope: r.ScopeKey, name: r.Name, bucket: bucketOf(r.Timestamp)}
		t := totals[k]
		t.value += r.Value
		t.count += r.Count
		totals[k] = t
	}

	for k, t := range totals {
		row := Row{ScopeKey: k.scope, Granularity: dst, Timestamp: k.bucket, Name: k.name, Value: t.value, Count: t.count}
		if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
			return fmt.Errorf("metricsstore: rollup save %s: %w", dst, err)
		}
	}
	return nil
}

// rollUpSamples re-derives the coarser bucket's sample set from the union of
// its finer samples, replacing whatever that bucket already held — the same
// recompute-don't-accumulate idempotence rollUp gives Row.
func (s *Store) rollUpSamples(ctx context.Context, src, dst Granularity, from, to time.Time, bucketOf func(time.Time) time.Time) error {
	var samples []LatencySample
	if err := s.db.WithContext(ctx).
		Where("granularity = ? AND timestamp >= ? AND timestamp < ?", src, from, to).
		Find(&samples).Error; err != nil {
		return fmt.Errorf("metricsstore: rollup samples select %s: %w", src, err)
	}

	type key struct {
		scope  string
		metric string
		bucket time.Time
	}
	byBucket := make(map[key][]float64)
	for _, sm := range samples {
		k := key{scope: sm.ScopeKey, metric: sm.Metric, bucket: bucketOf(sm.Timestamp)}
		byBucket[k] = append(byBucket[k], sm.ValueMS)
	}

	for k, values := range byBucket {
		if err := s.db.WithContext(ctx).
			Where("scope_key = ? AND granularity = ? AND timestamp = ? AND metric = ?", k.scope, dst, k.bucket, k.metric).
			Delete(&LatencySample{}).Error; err != nil {
			return fmt.Errorf("metricsstore: rollup samples clear %s: %w", dst, err)
		}
		rows := make([]LatencySample, len(values))
		for i, v := range values {
			rows[i] = LatencySample{ScopeKey: k.scope, Granularity: dst, Timestamp: k.bucket, Metric: k.metric, ValueMS: v}
		}
		if len(rows) > 0 {
			if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
				return fmt.Errorf("metricsstore: rollup samples save %s: %w", dst, err)
			}
		}
	}
	return nil
}

// Query returns every Row for scopeKey/name at granularity within
// [from, to), ordered oldest first.
func (s *Store) Query(ctx context.Context, scopeKey, name string, granularity Granularity, from, to time.Time) ([]Row, error) {
	var rows []Row
	err := s.db.WithContext(ctx).
		Where("scope_key = ? AND name = ? AND granularity = ? AND timestamp >= ? AND timestamp < ?",
			scopeKey, name, granularity, from, to).
		Order("timestamp ASC").
		Find(&rows).Error
	return rows, err
}

// LatencyPercentiles is the optional latency-percentile field of a Metric
// Row, computed from LatencySample by linear interpolation over the sorted
// sample set (the same method Prometheus' histogram_quantile uses across
// bucket boundaries, applied here to exact samples instead of buckets).
type LatencyPercentiles struct {
	P50, P95, P99 float64
}

// QueryPercentiles returns, per bucket timestamp in [from, to), the
// latency-percentile triple computed from that bucket's raw samples for
// metric under scopeKey. A bucket with no samples is omitted.
func (s *Store) QueryPercentiles(ctx context.Context, scopeKey, metric string, granularity Granularity, from, to time.Time) (map[time.Time]LatencyPercentiles, error) {
	var samples []LatencySample
	if err := s.db.WithContext(ctx).
		Where("scope_key = ? AND metric = ? AND granularity = ? AND timestamp >= ? AND timestamp < ?",
			scopeKey, metric, granularity, from, to).
		Find(&samples).Error; err != nil {
		return nil, fmt.Errorf("metricsstore: query percentiles: %w", err)
	}

	byBucket := make(map[time.Time][]float64)
	for _, sm := range samples {
		byBucket[sm.Timestamp] = append(byBucket[sm.Timestamp], sm.ValueMS)
	}

	out := make(map[time.Time]LatencyPercentiles, len(byBucket))
	for bucket, values := range byBucket {
		sort.Float64s(values)
		out[bucket] = LatencyPercentiles{
			P50: percentile(values, 0.50),
			P95: percentile(values, 0.95),
			P99: percentile(values, 0.99),
		}
	}
	return out, nil
}

// percentile linearly interpolates the p-th percentile (0 <= p <= 1) from
// sorted. Callers must sort values first.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// QueryMethodCounts returns, per bucket timestamp in [from, to), the count
// recorded against each method under scopeKey via RecordMethodCount.
func (s *Store) QueryMethodCounts(ctx context.Context, scopeKey string, granularity Granularity, from, to time.Time) (map[time.Time]map[string]int64, error) {
	var rows []Row
	if err := s.db.WithContext(ctx).
		Where("scope_key = ? AND granularity = ? AND timestamp >= ? AND timestamp < ? AND name LIKE ?",
			scopeKey, granularity, from, to, "method:%").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("metricsstore: query method counts: %w", err)
	}

	out := make(map[time.Time]map[string]int64, len(rows))
	for _, r := range rows {
		method := r.Name[len("method:"):]
		if out[r.Timestamp] == nil {
			out[r.Timestamp] = make(map[string]int64)
		}
		out[r.Timestamp][method] += int64(r.Value)
	}
	return out, nil
}

// Summary is the wide Metric Row view a caller actually wants for one
// bucket: every quantity Record/RecordLatency/RecordMethodCount wrote for
// scopeKey, joined back together by timestamp. Tokens, cost, percentiles and
// method counts are left at their zero value when the caller never recorded
// them for this scope (e.g. a tool-protocol scope has no cost).
type Summary struct {
	Timestamp          time.Time
	Requests           int64
	SuccessfulRequests int64
	FailedRequests     int64
	AvgLatencyMS       float64
	InputTokens        int64
	OutputTokens       int64
	CostUSD            float64
	Latency            LatencyPercentiles
	MethodCounts       map[string]int64
}

// QuerySummary composes Summary rows for scopeKey across [from, to) from the
// underlying per-quantity Rows and samples, keyed by the metric-name prefix
// a pipeline uses (e.g. "llm", "mcp", "embedding"). This is what recovers a
// single combined row per bucket — successful-requests, failed-requests,
// avg-latency-ms, tokens, cost, percentiles and per-method counts together —
// out of the narrow storage Record/RecordLatency/RecordMethodCount use.
func (s *Store) QuerySummary(ctx context.Context, scopeKey, prefix string, granularity Granularity, from, to time.Time) ([]Summary, error) {
	byTS := make(map[time.Time]*Summary)
	get := func(ts time.Time) *Summary {
		row, ok := byTS[ts]
		if !ok {
			row = &Summary{Timestamp: ts}
			byTS[ts] = row
		}
		return row
	}

	names := map[string]func(*Summary, Row){
		prefix + "_requests":          func(sm *Summary, r Row) { sm.Requests = r.Count },
		prefix + "_requests_success":  func(sm *Summary, r Row) { sm.SuccessfulRequests = r.Count },
		prefix + "_requests_failed":   func(sm *Summary, r Row) { sm.FailedRequests = r.Count },
		prefix + "_tokens_prompt":     func(sm *Summary, r Row) { sm.InputTokens = int64(r.Value) },
		prefix + "_tokens_completion": func(sm *Summary, r Row) { sm.OutputTokens = int64(r.Value) },
		prefix + "_cost_usd":          func(sm *Summary, r Row) { sm.CostUSD = r.Value },
	}
	for name, apply := range names {
		rows, err := s.Query(ctx, scopeKey, name, granularity, from, to)
		if err != nil {
			return nil, fmt.Errorf("metricsstore: query summary %s: %w", name, err)
		}
		for _, r := range rows {
			apply(get(r.Timestamp), r)
		}
	}

	latencyName := prefix + "_latency_ms"
	latencyRows, err := s.Query(ctx, scopeKey, latencyName, granularity, from, to)
	if err != nil {
		return nil, fmt.Errorf("metricsstore: query summary %s: %w", latencyName, err)
	}
	for _, r := range latencyRows {
		if r.Count > 0 {
			get(r.Timestamp).AvgLatencyMS = r.Value / float64(r.Count)
		}
	}

	percentiles, err := s.QueryPercentiles(ctx, scopeKey, latencyName, granularity, from, to)
	if err != nil {
		return nil, err
	}
	for ts, p := range percentiles {
		get(ts).Latency = p
	}

	methodCounts, err := s.QueryMethodCounts(ctx, scopeKey, granularity, from, to)
	if err != nil {
		return nil, err
	}
	for ts, counts := range methodCounts {
		get(ts).MethodCounts = counts
	}

	out := make([]Summary, 0, len(byTS))
	for _, sm := range byTS {
		out = append(out, *sm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Prune deletes rows (and latency samples) older than cutoff for the given
// granularity, implementing the retention policy (minute rows are kept
// briefly, hour/day rows much longer). Aggregated rows at a coarser
// granularity are untouched by a finer-granularity prune.
func (s *Store) Prune(ctx context.Context, granularity Granularity, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("granularity = ? AND timestamp < ?", granularity, cutoff).
		Delete(&Row{})
	if res.Error != nil {
		return 0, res.Error
	}
	if err := s.db.WithContext(ctx).
		Where("granularity = ? AND timestamp < ?", granularity, cutoff).
		Delete(&LatencySample{}).Error; err != nil {
		return res.RowsAffected, err
	}
	return res.RowsAffected, nil
}
