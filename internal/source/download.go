package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	perr "dumpflat/internal/errors"
	"dumpflat/internal/metrics"
	"dumpflat/internal/progress"
)

// HTTPDownloader fetches entries with a fixed-size worker pool.
//
// Each file is written to <dir>/Datasets/<YYYY-MM>/<name> through a temp
// file in the same directory and renamed into place, so a failed or
// canceled download never leaves a partial file under the final name.
// Failed attempts are retried with exponential backoff; 429 responses honor
// Retry-After.
type HTTPDownloader struct {
	Client      *http.Client
	Workers     int
	Limiter     *rate.Limiter
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Job         string
	Progress    progress.Reporter
	Logger      *zerolog.Logger

	// sleep waits between attempts; tests replace it.
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewHTTPDownloader returns a downloader with 8 workers, at most 4 request
// starts per second, and 5 attempts per file.
func NewHTTPDownloader(log *zerolog.Logger) *HTTPDownloader {
	return &HTTPDownloader{
		Client: &http.Client{
			Transport: &http.Transport{
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 16,
			},
		},
		Workers:     8,
		Limiter:     rate.NewLimiter(rate.Limit(4), 1),
		MaxAttempts: 5,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  time.Minute,
		Job:         "fetch",
		Logger:      log,
	}
}

type job struct {
	idx   int
	entry Entry
}

// Download fetches entries concurrently. Paths are returned in input order.
// A 404 is not retried and fails that entry; the other entries still
// complete. The returned error joins every per-file failure.
func (d *HTTPDownloader) Download(ctx context.Context, entries []Entry, dir string) ([]string, error) {
	log := d.Logger
	if log == nil {
		l := zerolog.Nop()
		log = &l
	}
	rep := progress.OrNop(d.Progress)

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	rep.Start("download", progress.Bytes, total)
	defer rep.Finish()

	workers := d.Workers
	if workers <= 0 {
		workers = 1
	}
	workers = min(workers, max(1, len(entries)))

	paths := make([]string, len(entries))
	errs := make([]error, len(entries))

	jobs := make(chan job)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				p, err := d.fetchOne(ctx, j.entry, dir, rep, log)
				paths[j.idx] = p
				errs[j.idx] = err
			}
		}()
	}

feed:
	for i, e := range entries {
		select {
		case jobs <- job{idx: i, entry: e}:
		case <-ctx.Done():
			for k := i; k < len(entries); k++ {
				errs[k] = ctx.Err()
			}
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	return paths, errors.Join(errs...)
}

func (d *HTTPDownloader) fetchOne(ctx context.Context, e Entry, dir string, rep progress.Reporter, log *zerolog.Logger) (string, error) {
	month := e.Month
	if month == "" {
		month = MonthFromKey(e.Key)
	}
	if month == "" {
		return "", perr.Configf("cannot derive dump month from %q", e.Key)
	}
	target := DatasetDir(dir, month)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", perr.IO("mkdir", target, err)
	}
	out := filepath.Join(target, e.FileName())

	attempts := max(1, d.MaxAttempts)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if d.Limiter != nil {
			if err := d.Limiter.Wait(ctx); err != nil {
				return "", err
			}
		}

		status, retryAfter, n, err := d.attempt(ctx, e.URL, out, rep)
		if err == nil {
			log.Info().
				Str("file", out).
				Str("size", humanize.Bytes(uint64(n))).
				Int("attempt", attempt).
				Msg("downloaded")
			return out, nil
		}
		lastErr = err

		if status == http.StatusNotFound || ctx.Err() != nil {
			break
		}
		if attempt == attempts {
			break
		}

		wait := nextRetryDelay(status, retryAfter, attempt, d.BaseBackoff, d.MaxBackoff)
		log.Warn().Err(err).Str("url", e.URL).Int("attempt", attempt).Dur("retry_in", wait).Msg("download failed")
		if !d.wait(ctx, wait) {
			lastErr = ctx.Err()
			break
		}
	}
	return "", perr.IO("download", e.URL, lastErr)
}

// attempt performs one GET and streams a 2xx body into out.
func (d *HTTPDownloader) attempt(ctx context.Context, rawURL, out string, rep progress.Reporter) (status int, retryAfter time.Duration, n int64, err error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	var reqDur time.Duration
	defer func() {
		metrics.RecordHTTP(d.Job, status, err, reqDur, time.Since(start), n)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, 0, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, 0, err
	}
	defer resp.Body.Close()
	reqDur = time.Since(start)
	status = resp.StatusCode

	if status < 200 || status >= 300 {
		n, _ = io.Copy(io.Discard, resp.Body)
		if status == http.StatusTooManyRequests {
			retryAfter = parseRetryAfter(resp.Header)
		}
		return status, retryAfter, n, fmt.Errorf("unexpected status %s", resp.Status)
	}

	n, err = writeBodyToFile(out, &progressReader{r: resp.Body, rep: rep})
	return status, 0, n, err
}

func (d *HTTPDownloader) wait(ctx context.Context, dur time.Duration) bool {
	if d.sleep != nil {
		return d.sleep(ctx, dur)
	}
	return sleepContext(ctx, dur)
}

// writeBodyToFile writes r to outputPath atomically.
func writeBodyToFile(outputPath string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".dumpflat-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()

	if copyErr != nil {
		_ = os.Remove(tmpName)
		return n, copyErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return n, closeErr
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		_ = os.Remove(tmpName)
		return n, err
	}
	return n, nil
}

func nextRetryDelay(status int, retryAfter time.Duration, attempt int, base, maxDelay time.Duration) time.Duration {
	if status == http.StatusTooManyRequests && retryAfter > 0 {
		return retryAfter
	}
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(attempt-1)
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

type progressReader struct {
	r   io.Reader
	rep progress.Reporter
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.rep.Advance(int64(n))
	}
	return n, err
}
