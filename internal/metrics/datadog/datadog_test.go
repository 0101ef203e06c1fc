package datadog

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"dumpflat/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() datadogV2.MetricPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}
	}
	return f.payloads[len(f.payloads)-1]
}

func quietBackend(t *testing.T, fs *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:   "job1",
		submitter: fs,
		now:       func() time.Time { return time.Unix(1000, 0) },
		newTicker: func(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	require.NoError(t, err)
	return b
}

func seriesByName(p datadogV2.MetricPayload) map[string]datadogV2.MetricSeries {
	out := make(map[string]datadogV2.MetricSeries, len(p.Series))
	for _, s := range p.Series {
		out[s.Metric+"|"+joinTags(s.Tags)] = s
	}
	return out
}

func joinTags(tags []string) string {
	out := ""
	for _, t := range tags {
		if len(t) > 4 && (t[:4] == "env:" || t[:4] == "job:") {
			continue
		}
		if out != "" {
			out += ","
		}
		out += t
	}
	return out
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			assert.Equal(t, tc.want, resolveEnvTag())
		})
	}
}

func TestKeyFor_MissingLabelsBecomeUnknown(t *testing.T) {
	t.Parallel()

	k := keyFor(counterDefs[metrics.StepTotal], metrics.Labels{"step": "chunk"})
	assert.Equal(t, "dumpflat.step.total", k.metric)
	assert.Equal(t, []string{"step:chunk", "status:unknown"}, k.tagList())

	k = keyFor(counterDefs[metrics.BatchesTotal], nil)
	assert.Nil(t, k.tagList())
}

func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()

	s := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, 0.0, percentileNearestRank(nil, 0.5))
	assert.Equal(t, 1.0, percentileNearestRank(s, 0))
	assert.Equal(t, 10.0, percentileNearestRank(s, 1))
	assert.Equal(t, 6.0, percentileNearestRank(s, 0.5))
	assert.Equal(t, 9.0, percentileNearestRank(s, 0.9))
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		Tags:      []string{"dataset:releases"},
		submitter: fs,
		newTicker: func(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	assert.Contains(t, b.baseTags, "job:dumpflat")
	assert.Contains(t, b.baseTags, "dataset:releases")
	assert.Equal(t, 60*time.Second, b.flushEvery)
}

// TestFlush_SubmitsAndResets checks the series contract and buffer reset.
func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b := quietBackend(t, fs)
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "chunk", "status": "ok"})
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "chunk", "status": "ok"})
	b.IncCounter(metrics.RecordsTotal, 3, metrics.Labels{"kind": "chunked"})
	b.IncCounter(metrics.BytesTotal, 4096, metrics.Labels{"stage": "chunk"})
	b.IncCounter(metrics.BatchesTotal, 1, nil)
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.5, metrics.Labels{"step": "chunk", "status": "ok"})
	b.IncCounter(metrics.HTTPRequestsTotal, 7, metrics.Labels{"status": "200"})
	b.ObserveHistogram(metrics.HTTPRequestSeconds, 0.1, metrics.Labels{"status": "200"})

	require.NoError(t, b.Flush())
	require.Equal(t, 1, fs.count())

	got := seriesByName(fs.last())
	step, ok := got["dumpflat.step.total|step:chunk,status:ok"]
	require.True(t, ok, "missing step counter; got %v", got)
	assert.Equal(t, 2.0, *step.Points[0].Value)
	assert.Equal(t, int64(1000), *step.Points[0].Timestamp)
	assert.Contains(t, step.Tags, "job:job1")

	for _, want := range []string{
		"dumpflat.records.total|kind:chunked",
		"dumpflat.bytes.total|stage:chunk",
		"dumpflat.batches.total|",
		"dumpflat.step.duration_seconds.p50|step:chunk,status:ok",
		"dumpflat.step.duration_seconds.samples|step:chunk,status:ok",
		"dumpflat.http.requests.total|status:200",
		"dumpflat.http.request_duration_seconds.p99|status:200",
	} {
		_, ok := got[want]
		assert.True(t, ok, "payload missing %q", want)
	}

	b.mu.Lock()
	assert.Empty(t, b.counts)
	assert.Empty(t, b.samples)
	b.mu.Unlock()
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b := quietBackend(t, fs)
	defer func() { _ = b.Close() }()

	require.NoError(t, b.Flush())
	assert.Equal(t, 0, fs.count())
}

func TestFlush_ErrorStillResets(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("intake down")}
	b := quietBackend(t, fs)

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	require.Error(t, b.Flush())
	b.mu.Lock()
	assert.Empty(t, b.counts)
	b.mu.Unlock()

	fs.mu.Lock()
	fs.err = nil
	fs.mu.Unlock()
	require.NoError(t, b.Close())
}

func TestIgnoresUnknownAndInvalidObservations(t *testing.T) {
	fs := &fakeSubmitter{}
	b := quietBackend(t, fs)
	defer func() { _ = b.Close() }()

	b.IncCounter("something_else", 1, nil)
	b.IncCounter(metrics.BatchesTotal, 0, nil)
	b.IncCounter(metrics.BatchesTotal, -2, nil)
	b.ObserveHistogram("something_else", 1, nil)
	b.ObserveHistogram(metrics.HTTPDownloadBytes, -1, nil)

	require.NoError(t, b.Flush())
	assert.Equal(t, 0, fs.count())
}

// TestLoopAndClose verifies the background loop flushes and Close flushes once more.
func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
	})
	require.NoError(t, err)

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	require.Eventually(t, func() bool { return fs.count() >= 1 }, time.Second, 2*time.Millisecond)

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	require.NoError(t, b.Close())
	assert.GreaterOrEqual(t, fs.count(), 2)
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b := quietBackend(t, fs)
	defer func() { _ = b.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "emitted"})
				b.ObserveHistogram(metrics.StepDurationSeconds, 0.01, metrics.Labels{"step": "emit", "status": "ok"})
			}
		}()
	}
	wg.Wait()

	require.NoError(t, b.Flush())
	got := seriesByName(fs.last())
	assert.Equal(t, 800.0, *got["dumpflat.records.total|kind:emitted"].Points[0].Value)
	assert.Equal(t, 800.0, *got["dumpflat.step.duration_seconds.samples|step:emit,status:ok"].Points[0].Value)
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ParseTagsCSV(""))
	assert.Equal(t, []string{"env:prod", "dataset:releases"}, ParseTagsCSV(" env:prod, ,dataset:releases ,"))
}
