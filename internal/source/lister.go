package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	perr "dumpflat/internal/errors"
	"dumpflat/internal/metrics"
)

// DefaultBaseURL is the public bucket the monthly dumps are published to.
const DefaultBaseURL = "https://discogs-data-dumps.s3.us-west-2.amazonaws.com/"

const dataPrefix = "data/"

var yearPrefixRe = regexp.MustCompile(`^data/\d{4}/$`)

// S3Lister reads the bucket's ListObjects XML. The newest data/YYYY/ prefix
// is treated as the current dump.
type S3Lister struct {
	BaseURL string
	Client  *http.Client
	// Job labels the HTTP metrics.
	Job string
}

// NewS3Lister returns a lister for baseURL, or DefaultBaseURL when empty.
func NewS3Lister(baseURL string, client *http.Client) *S3Lister {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &S3Lister{BaseURL: baseURL, Client: client, Job: "list"}
}

// Latest lists the .gz files of the newest year prefix, sorted by month
// (newest first) and then by content type. Keys that are not one of the
// known content types are skipped.
func (l *S3Lister) Latest(ctx context.Context) ([]Entry, error) {
	dirs, err := l.Dirs(ctx)
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, nil
	}
	return l.Files(ctx, dirs[len(dirs)-1])
}

// Dirs returns the data/YYYY/ prefixes in ascending order.
func (l *S3Lister) Dirs(ctx context.Context) ([]string, error) {
	q := url.Values{"prefix": {dataPrefix}, "delimiter": {"/"}}
	doc, err := l.fetch(ctx, q)
	if err != nil {
		return nil, err
	}

	var dirs []string
	doc.Find("commonprefixes > prefix").Each(func(_ int, s *goquery.Selection) {
		p := strings.TrimSpace(s.Text())
		if yearPrefixRe.MatchString(p) {
			dirs = append(dirs, p)
		}
	})
	sort.Strings(dirs)
	return dirs, nil
}

// Files lists the dump files below prefix, following truncated listings.
func (l *S3Lister) Files(ctx context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	marker := ""
	for {
		q := url.Values{"prefix": {prefix}}
		if marker != "" {
			q.Set("marker", marker)
		}
		doc, err := l.fetch(ctx, q)
		if err != nil {
			return nil, err
		}

		last := ""
		doc.Find("contents").Each(func(_ int, s *goquery.Selection) {
			key := strings.TrimSpace(s.Find("key").First().Text())
			last = key
			ct := classify(key)
			if ct == "" || !strings.HasSuffix(key, ".gz") {
				return
			}
			size, _ := strconv.ParseInt(strings.TrimSpace(s.Find("size").First().Text()), 10, 64)
			mod, _ := time.Parse(time.RFC3339, strings.TrimSpace(s.Find("lastmodified").First().Text()))
			out = append(out, Entry{
				Key:          key,
				Size:         size,
				LastModified: mod,
				Month:        MonthFromKey(key),
				ContentType:  ct,
				URL:          l.base() + key,
			})
		})

		truncated := strings.EqualFold(strings.TrimSpace(doc.Find("istruncated").First().Text()), "true")
		if !truncated || last == "" || last == marker {
			break
		}
		if next := strings.TrimSpace(doc.Find("nextmarker").First().Text()); next != "" {
			last = next
		}
		marker = last
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Month != out[j].Month {
			return out[i].Month > out[j].Month
		}
		return out[i].ContentType < out[j].ContentType
	})
	return out, nil
}

func (l *S3Lister) base() string {
	b := l.BaseURL
	if b == "" {
		b = DefaultBaseURL
	}
	if !strings.HasSuffix(b, "/") {
		b += "/"
	}
	return b
}

// fetch GETs one listing page. The HTML parser behind goquery lowercases
// element names, so selectors use lowercase S3 element names.
func (l *S3Lister) fetch(ctx context.Context, q url.Values) (*goquery.Document, error) {
	u := l.base() + "?" + q.Encode()
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, perr.Wrap(err, perr.KindConfig, "build listing request")
	}
	resp, err := client.Do(req)
	if err != nil {
		metrics.RecordHTTP(l.Job, 0, err, time.Since(start), 0, 0)
		return nil, perr.IO("list", u, err)
	}
	defer resp.Body.Close()
	reqDur := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		n, _ := io.Copy(io.Discard, resp.Body)
		err := fmt.Errorf("unexpected status %s", resp.Status)
		metrics.RecordHTTP(l.Job, resp.StatusCode, err, reqDur, time.Since(start), n)
		return nil, perr.IO("list", u, err)
	}

	body := &countReader{r: resp.Body}
	doc, err := goquery.NewDocumentFromReader(body)
	metrics.RecordHTTP(l.Job, resp.StatusCode, err, reqDur, time.Since(start), body.n)
	if err != nil {
		return nil, perr.Malformed(u, err)
	}
	return doc, nil
}

type countReader struct {
	r io.Reader
	n int64
}

func (c *countReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
