package source

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perr "dumpflat/internal/errors"
	"dumpflat/internal/progress"
)

const dirsXML = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>discogs-data-dumps</Name>
  <Prefix>data/</Prefix>
  <CommonPrefixes><Prefix>data/2008/</Prefix></CommonPrefixes>
  <CommonPrefixes><Prefix>data/2024/</Prefix></CommonPrefixes>
  <CommonPrefixes><Prefix>data/2023/</Prefix></CommonPrefixes>
  <CommonPrefixes><Prefix>data/tmp/</Prefix></CommonPrefixes>
</ListBucketResult>`

const filesXML = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Prefix>data/2024/</Prefix>
  <IsTruncated>false</IsTruncated>
  <Contents><Key>data/2024/discogs_20240101_releases.xml.gz</Key><LastModified>2024-01-02T03:04:05.000Z</LastModified><Size>300</Size></Contents>
  <Contents><Key>data/2024/discogs_20240101_artists.xml.gz</Key><LastModified>2024-01-02T03:04:05.000Z</LastModified><Size>100</Size></Contents>
  <Contents><Key>data/2024/discogs_20240201_labels.xml.gz</Key><LastModified>2024-02-02T03:04:05.000Z</LastModified><Size>200</Size></Contents>
  <Contents><Key>data/2024/discogs_20240101_CHECKSUM.txt</Key><LastModified>2024-01-02T03:04:05.000Z</LastModified><Size>10</Size></Contents>
</ListBucketResult>`

func TestMonthFromKeyAndContentType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2024-01", MonthFromKey("data/2024/discogs_20240101_artists.xml.gz"))
	assert.Equal(t, "", MonthFromKey("data/2024/discogs_20241301_artists.xml.gz"))
	assert.Equal(t, "", MonthFromKey("artists.xml"))

	tests := map[string]string{
		"discogs_20240101_releases.xml":       "releases",
		"/tmp/x/discogs_20240101_ARTISTS.xml": "artists",
		"discogs_20240101_labels.xml.gz":      "labels",
		"discogs_20240101_masters.xml":        "masters",
		"discogs_20240101_CHECKSUM.txt":       "",
	}
	for in, want := range tests {
		assert.Equal(t, want, ContentTypeFromPath(in), in)
	}
}

func TestS3Lister_Latest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("prefix") {
		case "data/":
			assert.Equal(t, "/", r.URL.Query().Get("delimiter"))
			fmt.Fprint(w, dirsXML)
		case "data/2024/":
			fmt.Fprint(w, filesXML)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	l := NewS3Lister(srv.URL, srv.Client())

	dirs, err := l.Dirs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"data/2008/", "data/2023/", "data/2024/"}, dirs)

	entries, err := l.Latest(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "labels", entries[0].ContentType)
	assert.Equal(t, "2024-02", entries[0].Month)
	assert.Equal(t, "artists", entries[1].ContentType)
	assert.Equal(t, "releases", entries[2].ContentType)
	assert.EqualValues(t, 300, entries[2].Size)
	assert.Equal(t, srv.URL+"/data/2024/discogs_20240101_releases.xml.gz", entries[2].URL)
	assert.Equal(t, "discogs_20240101_releases.xml.gz", entries[2].FileName())
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), entries[2].LastModified.UTC())
}

func TestS3Lister_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewS3Lister(srv.URL, srv.Client()).Latest(context.Background())
	require.Error(t, err)
	assert.True(t, perr.IsKind(err, perr.KindIO))
	assert.Contains(t, err.Error(), "403")
}

func noWait(context.Context, time.Duration) bool { return true }

func TestHTTPDownloader_RetriesAndWritesAtomically(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data/2024/discogs_20240101_artists.xml.gz":
			if hits.Add(1) == 1 {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			fmt.Fprint(w, "artists-body")
		case "/data/2024/discogs_20240101_labels.xml.gz":
			fmt.Fprint(w, "labels-body")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	var mu sync.Mutex
	var last progress.Update
	d := NewHTTPDownloader(nil)
	d.Client = srv.Client()
	d.Limiter = nil
	d.sleep = noWait
	d.Workers = 2
	d.Progress = progress.Func(func(u progress.Update) {
		mu.Lock()
		last = u
		mu.Unlock()
	})

	entries := []Entry{
		{Key: "data/2024/discogs_20240101_artists.xml.gz", URL: srv.URL + "/data/2024/discogs_20240101_artists.xml.gz", Size: 12},
		{Key: "data/2024/discogs_20240101_labels.xml.gz", URL: srv.URL + "/data/2024/discogs_20240101_labels.xml.gz", Month: "2024-01", Size: 11},
	}
	paths, err := d.Download(context.Background(), entries, dir)
	require.NoError(t, err)

	want0 := filepath.Join(dir, "Datasets", "2024-01", "discogs_20240101_artists.xml.gz")
	assert.Equal(t, []string{want0, filepath.Join(dir, "Datasets", "2024-01", "discogs_20240101_labels.xml.gz")}, paths)

	b, err := os.ReadFile(want0)
	require.NoError(t, err)
	assert.Equal(t, "artists-body", string(b))
	assert.EqualValues(t, 2, hits.Load())
	assert.True(t, last.Finished)
	assert.EqualValues(t, 23, last.Current)

	// no temp files left behind
	left, err := filepath.Glob(filepath.Join(dir, "Datasets", "2024-01", ".dumpflat-*"))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestHTTPDownloader_NotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := NewHTTPDownloader(nil)
	d.Client = srv.Client()
	d.Limiter = nil
	d.sleep = noWait

	paths, err := d.Download(context.Background(), []Entry{
		{Key: "data/2024/discogs_20240101_masters.xml.gz", URL: srv.URL + "/missing"},
	}, t.TempDir())
	require.Error(t, err)
	assert.Equal(t, []string{""}, paths)
	assert.EqualValues(t, 1, hits.Load())
	assert.True(t, perr.IsKind(err, perr.KindIO))
}

func TestHTTPDownloader_UndatedKey(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPDownloader(nil).Download(context.Background(), []Entry{{Key: "artists.xml.gz"}}, t.TempDir())
	assert.True(t, perr.IsKind(err, perr.KindConfig))
}

func TestNextRetryDelay(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3*time.Second, nextRetryDelay(http.StatusTooManyRequests, 3*time.Second, 1, time.Second, time.Minute))
	assert.Equal(t, 4*time.Second, nextRetryDelay(http.StatusBadGateway, 0, 3, time.Second, time.Minute))
	assert.Equal(t, time.Minute, nextRetryDelay(0, 0, 10, time.Second, time.Minute))

	h := http.Header{}
	h.Set("Retry-After", "7")
	assert.Equal(t, 7*time.Second, parseRetryAfter(h))
	h.Set("Retry-After", "soon")
	assert.Zero(t, parseRetryAfter(h))
}

func gzFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
	return p
}

func TestExtractGz(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	body := "<releases><release id=\"1\"/></releases>\n"
	gz := gzFile(t, dir, "discogs_20240101_releases.xml.gz", body)
	st, err := os.Stat(gz)
	require.NoError(t, err)

	var last progress.Update
	out, err := ExtractGz(context.Background(), gz, true, progress.Func(func(u progress.Update) { last = u }))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "discogs_20240101_releases.xml"), out)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, body, string(b))

	_, err = os.Stat(gz)
	assert.True(t, os.IsNotExist(err), "original should be deleted")
	assert.Equal(t, st.Size(), last.Total)
	assert.True(t, last.Finished)
}

func TestExtractGz_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := ExtractGz(context.Background(), filepath.Join(dir, "x.xml"), false, nil)
	assert.True(t, perr.IsKind(err, perr.KindConfig))

	_, err = ExtractGz(context.Background(), filepath.Join(dir, "missing.gz"), false, nil)
	assert.True(t, perr.IsKind(err, perr.KindIO))

	bad := filepath.Join(dir, "bad.xml.gz")
	require.NoError(t, os.WriteFile(bad, []byte("not gzip"), 0o644))
	_, err = ExtractGz(context.Background(), bad, false, nil)
	assert.True(t, perr.IsKind(err, perr.KindMalformed))
	_, err = os.Stat(filepath.Join(dir, "bad.xml"))
	assert.True(t, os.IsNotExist(err))
}
