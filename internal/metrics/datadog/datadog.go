// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Conversions of a full dump run for tens of minutes, so a single submission
// at exit would show up as one spike. The backend therefore:
//   - buffers observations in memory under a mutex
//   - flushes on a ticker (default once per minute)
//   - flushes one final time on Close
//
// Flush snapshots and resets the buffers under the lock, then submits out of
// lock so pipeline goroutines never wait on the network.
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

	"dumpflat/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "dumpflat".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "dataset:releases"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted. Defaults to 60s.
	FlushEvery time.Duration

	// Unexported test seams.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the slice of *datadogV2.MetricsApi the backend needs.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// seriesDef maps an internal metric name to its Datadog series and the label
// keys that become tags.
type seriesDef struct {
	series  string
	tagKeys []string
}

var counterDefs = map[string]seriesDef{
	metrics.StepTotal:         {"dumpflat.step.total", []string{"step", "status"}},
	metrics.RecordsTotal:      {"dumpflat.records.total", []string{"kind"}},
	metrics.BytesTotal:        {"dumpflat.bytes.total", []string{"stage"}},
	metrics.BatchesTotal:      {"dumpflat.batches.total", nil},
	metrics.HTTPRequestsTotal: {"dumpflat.http.requests.total", []string{"status"}},
	metrics.HTTPErrorsTotal:   {"dumpflat.http.errors.total", []string{"status"}},
}

var histogramDefs = map[string]seriesDef{
	metrics.StepDurationSeconds: {"dumpflat.step.duration_seconds", []string{"step", "status"}},
	metrics.HTTPRequestSeconds:  {"dumpflat.http.request_duration_seconds", []string{"status"}},
	metrics.HTTPResponseSeconds: {"dumpflat.http.response_duration_seconds", []string{"status"}},
	metrics.HTTPDownloadBytes:   {"dumpflat.http.download_bytes", []string{"status"}},
}

// seriesKey identifies one buffered series: Datadog metric plus its joined tags.
type seriesKey struct {
	metric string
	tags   string
}

func (k seriesKey) tagList() []string {
	if k.tags == "" {
		return nil
	}
	return strings.Split(k.tags, ",")
}

func keyFor(def seriesDef, labels metrics.Labels) seriesKey {
	if len(def.tagKeys) == 0 {
		return seriesKey{metric: def.series}
	}
	tags := make([]string, 0, len(def.tagKeys))
	for _, k := range def.tagKeys {
		v := strings.TrimSpace(labels[k])
		if v == "" {
			v = "unknown"
		}
		tags = append(tags, k+":"+v)
	}
	return seriesKey{metric: def.series, tags: strings.Join(tags, ",")}
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

	mu      sync.Mutex
	counts  map[seriesKey]float64
	samples map[seriesKey][]float64
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
// Credentials and site come from the standard DD_API_KEY / DD_SITE
// environment handled by the client's default context. Network errors
// surface from Flush, never from NewBackend.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "dumpflat"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
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
		counts:     make(map[seriesKey]float64),
		samples:    make(map[seriesKey][]float64),
	}

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
	if err := b.Flush(); err != nil {
		return fmt.Errorf("datadog metrics close: %w", err)
	}
	return nil
}

// IncCounter implements metrics.Backend. Unknown metric names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	def, ok := counterDefs[name]
	if !ok {
		return
	}
	k := keyFor(def, labels)

	b.mu.Lock()
	b.counts[k] += delta
	b.mu.Unlock()
}

// ObserveHistogram implements metrics.Backend. Unknown metric names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	def, ok := histogramDefs[name]
	if !ok {
		return
	}
	k := keyFor(def, labels)

	b.mu.Lock()
	b.samples[k] = append(b.samples[k], value)
	b.mu.Unlock()
}

type snapshot struct {
	counts  map[seriesKey]float64
	samples map[seriesKey][]float64
}

func (s snapshot) isEmpty() bool {
	return len(s.counts) == 0 && len(s.samples) == 0
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{counts: b.counts, samples: b.samples}
	b.counts = make(map[seriesKey]float64)
	b.samples = make(map[seriesKey][]float64)
	return s
}

// Flush submits buffered metrics and resets local buffers, even when the
// submission fails. Returns nil when there is nothing to submit.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries is pure: counts become COUNT series and each sample set becomes
// a fixed group of percentile gauges. Output is sorted by metric then tags.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.counts)+6*len(s.samples))

	for _, k := range sortedKeys(s.counts) {
		v := s.counts[k]
		if v == 0 {
			continue
		}
		series = append(series, point(datadogV2.METRICINTAKETYPE_COUNT, k.metric, v, withTags(b.baseTags, k.tagList()...), nowUnix))
	}

	for _, k := range sortedKeys(s.samples) {
		addPercentiles(&series, withTags(b.baseTags, k.tagList()...), k.metric, s.samples[k], nowUnix)
	}
	return series
}

func sortedKeys[V any](m map[seriesKey]V) []seriesKey {
	keys := make([]seriesKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].metric != keys[j].metric {
			return keys[i].metric < keys[j].metric
		}
		return keys[i].tags < keys[j].tags
	})
	return keys
}

// addPercentiles appends p50/p90/p95/p99/max/samples gauges. The input is not mutated.
func addPercentiles(series *[]datadogV2.MetricSeries, tags []string, metricPrefix string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	g := datadogV2.METRICINTAKETYPE_GAUGE
	*series = append(*series,
		point(g, metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
		point(g, metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix),
		point(g, metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
		point(g, metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix),
		point(g, metricPrefix+".max", cp[len(cp)-1], tags, nowUnix),
		point(g, metricPrefix+".samples", float64(len(cp)), tags, nowUnix),
	)
}

func point(kind datadogV2.MetricIntakeType, metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   kind.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
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

// ParseTagsCSV parses comma-separated tags like "env:prod,dataset:releases".
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
