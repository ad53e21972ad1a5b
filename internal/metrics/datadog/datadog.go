// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Tagging runs over a full parcel table can take a long time, so metrics are buffered
// in memory and submitted on a ticker (default once per minute) plus one final
// flush on Close. Short commands (isochrone, layerurls) just get the final flush.
//
// Flush snapshots and resets the buffers under the mutex and submits outside it.
// Buffers are reset even when submission fails; delivery is best effort.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gistools/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "gistools".
	JobName string

	// RunID becomes tag "run_id:<id>" when set.
	RunID string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "team:gis"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted. Defaults to 60s.
	FlushEvery time.Duration

	// unexported test seams
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the slice of *datadogV2.MetricsApi the backend needs.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	stepCounts      map[string]float64 // step\x00status
	recordCounts    map[string]float64 // kind
	batchCount      float64
	statementCount  float64
	durationSamples map[string][]float64 // step\x00status

	httpReqCounts map[string]float64   // status
	httpErrCounts map[string]float64   // status
	httpReqDur    map[string][]float64 // status
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend and starts its flush loop.
//
// The API key and site come from the standard DD_API_KEY / DD_SITE environment
// variables via dd.NewDefaultContext; network errors surface from Flush.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "gistools"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 3+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	if opts.RunID != "" {
		baseTags = append(baseTags, "run_id:"+opts.RunID)
	}
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
	}
	b.resetLocked()

	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs one final Flush. Call once.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.StepTotal:
		b.stepCounts[stepStatusKey(labels["step"], labels["status"])] += delta

	case metrics.RecordsTotal:
		kind := labels["kind"]
		if kind == "" {
			return
		}
		b.recordCounts[kind] += delta

	case metrics.BatchesTotal:
		b.batchCount += delta

	case metrics.StatementsTotal:
		b.statementCount += delta

	case metrics.HTTPRequestsTotal:
		b.httpReqCounts[statusOrUnknown(labels)] += delta

	case metrics.HTTPErrorsTotal:
		b.httpErrCounts[statusOrUnknown(labels)] += delta
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.StepDurationSeconds:
		k := stepStatusKey(labels["step"], labels["status"])
		b.durationSamples[k] = append(b.durationSamples[k], value)

	case metrics.HTTPRequestDurationSeconds:
		s := statusOrUnknown(labels)
		b.httpReqDur[s] = append(b.httpReqDur[s], value)
	}
}

func statusOrUnknown(labels metrics.Labels) string {
	if s := labels["status"]; s != "" {
		return s
	}
	return "unknown"
}

type snapshot struct {
	stepCounts      map[string]float64
	recordCounts    map[string]float64
	batchCount      float64
	statementCount  float64
	durationSamples map[string][]float64

	httpReqCounts map[string]float64
	httpErrCounts map[string]float64
	httpReqDur    map[string][]float64
}

// resetLocked replaces all buffers. Callers hold b.mu (or own b exclusively).
func (b *Backend) resetLocked() {
	b.stepCounts = make(map[string]float64)
	b.recordCounts = make(map[string]float64)
	b.batchCount = 0
	b.statementCount = 0
	b.durationSamples = make(map[string][]float64)
	b.httpReqCounts = make(map[string]float64)
	b.httpErrCounts = make(map[string]float64)
	b.httpReqDur = make(map[string][]float64)
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		stepCounts:      b.stepCounts,
		recordCounts:    b.recordCounts,
		batchCount:      b.batchCount,
		statementCount:  b.statementCount,
		durationSamples: b.durationSamples,
		httpReqCounts:   b.httpReqCounts,
		httpErrCounts:   b.httpErrCounts,
		httpReqDur:      b.httpReqDur,
	}
	b.resetLocked()
	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.stepCounts) == 0 &&
		len(s.recordCounts) == 0 &&
		s.batchCount == 0 &&
		s.statementCount == 0 &&
		len(s.durationSamples) == 0 &&
		len(s.httpReqCounts) == 0 &&
		len(s.httpErrCounts) == 0 &&
		len(s.httpReqDur) == 0
}

// Flush submits buffered metrics and resets local buffers. Returns nil when there
// is nothing to submit.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	if _, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters()); err != nil {
		return fmt.Errorf("datadog: submit: %w", err)
	}
	return nil
}

// buildSeries is pure so naming and tagging can be tested without a network.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.stepCounts)+len(s.recordCounts)+32)

	for _, k := range sortedKeys(s.stepCounts) {
		step, status := splitStepStatusKey(k)
		tags := withTags(b.baseTags, "step:"+step, "status:"+status)
		series = append(series, countSeries("gis.step.total", s.stepCounts[k], tags, nowUnix))
	}

	for _, kind := range sortedKeys(s.recordCounts) {
		tags := withTags(b.baseTags, "kind:"+kind)
		series = append(series, countSeries("gis.records.total", s.recordCounts[kind], tags, nowUnix))
	}

	if s.batchCount != 0 {
		series = append(series, countSeries("gis.batches.total", s.batchCount, b.baseTags, nowUnix))
	}
	if s.statementCount != 0 {
		series = append(series, countSeries("gis.statements.total", s.statementCount, b.baseTags, nowUnix))
	}

	for _, k := range sortedSampleKeys(s.durationSamples) {
		step, status := splitStepStatusKey(k)
		tags := withTags(b.baseTags, "step:"+step, "status:"+status)
		series = appendPercentiles(series, "gis.step.duration_seconds", s.durationSamples[k], tags, nowUnix)
	}

	for _, status := range sortedKeys(s.httpReqCounts) {
		series = append(series, countSeries("gis.http.requests.total", s.httpReqCounts[status], withTags(b.baseTags, "status:"+status), nowUnix))
	}
	for _, status := range sortedKeys(s.httpErrCounts) {
		series = append(series, countSeries("gis.http.errors.total", s.httpErrCounts[status], withTags(b.baseTags, "status:"+status), nowUnix))
	}
	for _, status := range sortedSampleKeys(s.httpReqDur) {
		series = appendPercentiles(series, "gis.http.request_duration_seconds", s.httpReqDur[status], withTags(b.baseTags, "status:"+status), nowUnix)
	}

	return series
}

// appendPercentiles appends p50/p90/p95/p99/max/samples gauges. samples is not mutated.
func appendPercentiles(series []datadogV2.MetricSeries, prefix string, samples []float64, tags []string, nowUnix int64) []datadogV2.MetricSeries {
	if len(samples) == 0 {
		return series
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	return append(series,
		gaugeSeries(prefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
		gaugeSeries(prefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix),
		gaugeSeries(prefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
		gaugeSeries(prefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix),
		gaugeSeries(prefix+".max", cp[len(cp)-1], tags, nowUnix),
		gaugeSeries(prefix+".samples", float64(len(cp)), tags, nowUnix),
	)
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func stepStatusKey(step, status string) string {
	return step + "\x00" + status
}

func splitStepStatusKey(k string) (step, status string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v == 0 {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedSampleKeys(m map[string][]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,team:gis".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
