// Package source finds, fetches and unpacks the monthly dump files that the
// pipeline converts.
package source

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Content types published in each monthly dump.
var ContentTypes = []string{"artists", "labels", "masters", "releases"}

// Entry is one published dump file.
type Entry struct {
	Key          string
	Size         int64
	LastModified time.Time
	// Month is "YYYY-MM", derived from the discogs_YYYYMMDD prefix of the
	// file name. Empty when the name does not carry a date.
	Month       string
	ContentType string
	URL         string
}

// FileName is the last path element of the key.
func (e Entry) FileName() string {
	return filepath.Base(e.Key)
}

// Lister returns the files of the most recent dump.
type Lister interface {
	Latest(ctx context.Context) ([]Entry, error)
}

// Downloader fetches entries below dir and returns the local paths in
// input order.
type Downloader interface {
	Download(ctx context.Context, entries []Entry, dir string) ([]string, error)
}

var monthRe = regexp.MustCompile(`discogs_(\d{4})(\d{2})\d{2}`)

// MonthFromKey extracts "YYYY-MM" from keys like
// "data/2024/discogs_20240101_artists.xml.gz".
func MonthFromKey(key string) string {
	m := monthRe.FindStringSubmatch(key)
	if m == nil {
		return ""
	}
	if m[2] < "01" || m[2] > "12" {
		return ""
	}
	return m[1] + "-" + m[2]
}

// classify maps a key to its content type. The order matters: "artist" is
// checked before "release" and so on, so a name that mentions several types
// resolves the same way every time.
func classify(key string) string {
	k := strings.ToLower(filepath.Base(key))
	switch {
	case strings.Contains(k, "artist"):
		return "artists"
	case strings.Contains(k, "label"):
		return "labels"
	case strings.Contains(k, "master"):
		return "masters"
	case strings.Contains(k, "release"):
		return "releases"
	}
	return ""
}

// ContentTypeFromPath derives the content type from a dump file name, for
// example "discogs_20240101_releases.xml" -> "releases". It returns "" when
// the name matches none of ContentTypes.
func ContentTypeFromPath(path string) string {
	return classify(path)
}

// DatasetDir is the per-month download directory below base.
func DatasetDir(base, month string) string {
	return filepath.Join(base, "Datasets", month)
}
