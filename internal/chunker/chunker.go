// Package chunker splits one large collection document into numbered,
// independently well-formed chunk documents of bounded record count.
//
// Record boundaries are found with case-insensitive tag matchers on
// sanitized text lines rather than a full XML parse, so memory stays bounded
// by the size of one record.
package chunker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	perr "dumpflat/internal/errors"
	"dumpflat/internal/logger"
	"dumpflat/internal/metrics"
	xmlp "dumpflat/internal/parser/xml"
	"dumpflat/internal/progress"
)

// DefaultRecordsPerFile bounds chunk size when Options leaves it unset.
const DefaultRecordsPerFile = 10000

const (
	xmlDecl       = `<?xml version="1.0" encoding="utf-8"?>` + "\n"
	chunkPattern  = "chunk_*.xml"
	chunkNameFmt  = "chunk_%05d.xml"
	writeBufSize  = 1 << 20
	ctxCheckLines = 1024
)

// Options tunes a chunking run. The zero value is usable.
type Options struct {
	// RecordsPerFile caps the records written to one chunk. 0 means
	// DefaultRecordsPerFile; negative values are rejected.
	RecordsPerFile int
	// Encoding is the IANA charset of the source. "" and "utf-8" read the
	// bytes as they are.
	Encoding string
	// Progress receives bytes consumed from the source.
	Progress progress.Reporter
	Logger   *zerolog.Logger
}

// ChunkSet describes the chunk files of one collection, in creation order.
type ChunkSet struct {
	Dir   string
	Files []string
	// Counts holds the records written to each file. It is nil for sets
	// obtained from List.
	Counts  []int
	Records int64
	// Dropped counts records left open at end of input; DroppedLines holds
	// the source lines they spanned.
	Dropped      int64
	DroppedLines int64
	BytesRead    int64
}

// Empty reports whether the set has no chunk files or no records.
func (s ChunkSet) Empty() bool {
	return len(s.Files) == 0 || (s.Counts != nil && s.Records == 0)
}

// RecordTag derives the per-record tag from a plural collection name:
// "releases" -> "release".
func RecordTag(contentType string) string {
	if contentType == "" {
		return ""
	}
	return strings.ToLower(contentType[:len(contentType)-1])
}

// Dir is the chunk directory for a source file and collection.
func Dir(srcPath, contentType string) string {
	return filepath.Join(filepath.Dir(srcPath), "chunked_"+contentType)
}

// Chunk splits the document at srcPath into Dir(srcPath, contentType).
func Chunk(ctx context.Context, srcPath, contentType string, opt Options) (ChunkSet, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return ChunkSet{}, perr.IO("open", srcPath, err)
	}
	defer f.Close()

	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}

	set, err := ChunkReader(ctx, f, size, Dir(srcPath, contentType), contentType, opt)
	if err != nil {
		if _, ok := perr.As(err); !ok && ctx.Err() == nil {
			return set, perr.IO("read", srcPath, err)
		}
	}
	return set, err
}

// ChunkReader splits r, whose total length is size bytes (0 if unknown),
// into chunk files under dir. Chunk files already in dir are removed first.
// Lines outside records are discarded. A record left open at end of input
// is dropped and counted in ChunkSet.Dropped.
func ChunkReader(ctx context.Context, r io.Reader, size int64, dir, contentType string, opt Options) (ChunkSet, error) {
	set := ChunkSet{Dir: dir}
	if contentType == "" {
		return set, perr.Configf("content type is required")
	}
	perFile := opt.RecordsPerFile
	if perFile == 0 {
		perFile = DefaultRecordsPerFile
	}
	if perFile < 0 {
		return set, perr.Configf("records per file must be positive, got %d", perFile)
	}
	log := opt.Logger
	if log == nil {
		log = logger.Named("chunker")
	}
	rep := progress.OrNop(opt.Progress)

	tag := RecordTag(contentType)
	sc := newScanner(tag)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return set, perr.IO("mkdir", dir, err)
	}
	if err := removeChunks(dir); err != nil {
		return set, err
	}

	counted := &countingReader{r: r, rep: rep}
	var src io.Reader = counted
	if enc := strings.TrimSpace(opt.Encoding); enc != "" && !strings.EqualFold(enc, "utf-8") && !strings.EqualFold(enc, "utf8") {
		e, err := ianaindex.IANA.Encoding(enc)
		if err != nil || e == nil {
			return set, perr.Configf("unsupported source encoding %q", enc)
		}
		src = transform.NewReader(counted, e.NewDecoder())
	}

	start := time.Now()
	log.Info().
		Str("dir", dir).
		Str("record_tag", tag).
		Int("records_per_file", perFile).
		Str("size", humanize.IBytes(uint64(max(size, 0)))).
		Msg("chunking started")

	rep.Start("chunk", progress.Bytes, size)
	defer rep.Finish()

	cw := &chunkWriter{dir: dir, root: contentType, perFile: perFile, set: &set}
	br := bufio.NewReaderSize(src, 1<<20)
	emit := func(rec []byte) error { return cw.writeRecord(rec) }

	var lines int
	for {
		line, rerr := br.ReadString('\n')
		if len(line) > 0 {
			lines++
			if lines%ctxCheckLines == 0 {
				if err := ctx.Err(); err != nil {
					cw.abort()
					return set, err
				}
			}
			if err := sc.feed(xmlp.SanitizeLine(line), emit); err != nil {
				cw.abort()
				return set, err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			cw.abort()
			set.BytesRead = counted.n
			return set, rerr
		}
	}
	set.BytesRead = counted.n

	if sc.inside {
		set.Dropped = 1
		set.DroppedLines = sc.lines
		log.Warn().
			Str("record_tag", tag).
			Int64("lines", sc.lines).
			Msg("unterminated record at end of input dropped")
	}
	if err := cw.finish(); err != nil {
		return set, err
	}
	if set.Records == 0 && set.BytesRead > 0 {
		log.Warn().
			Str("record_tag", tag).
			Str("content_type", contentType).
			Msg("content type matched no records")
	}

	metrics.RecordRecords("chunk", set.Records)
	log.Info().
		Int("chunks", len(set.Files)).
		Int64("records", set.Records).
		Str("read", humanize.IBytes(uint64(set.BytesRead))).
		Dur("elapsed", time.Since(start).Truncate(time.Millisecond)).
		Msg("chunking finished")
	return set, nil
}

// List returns the chunk files in dir sorted by name. A missing or empty
// directory yields an empty set.
func List(dir string) (ChunkSet, error) {
	files, err := filepath.Glob(filepath.Join(dir, chunkPattern))
	if err != nil {
		return ChunkSet{}, perr.IO("list", dir, err)
	}
	sort.Strings(files)
	return ChunkSet{Dir: dir, Files: files}, nil
}

// removeChunks deletes the chunk files a previous run left in dir.
func removeChunks(dir string) error {
	old, err := filepath.Glob(filepath.Join(dir, chunkPattern))
	if err != nil {
		return perr.IO("list", dir, err)
	}
	for _, f := range old {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return perr.IO("remove", f, err)
		}
	}
	return nil
}

// scanner tracks record boundaries across lines.
type scanner struct {
	open   *regexp.Regexp
	close  *regexp.Regexp
	inside bool
	depth  int
	buf    []byte
	lines  int64
}

func newScanner(tag string) *scanner {
	q := regexp.QuoteMeta(tag)
	return &scanner{
		open:  regexp.MustCompile(`(?i)<` + q + `\b`),
		close: regexp.MustCompile(`(?i)</` + q + `\s*>`),
	}
}

// feed consumes one sanitized line and calls emit with every record that
// completes on it. Text outside records is discarded. Same-named tags nested
// inside a record are tracked so the outermost close ends the record.
func (s *scanner) feed(line string, emit func([]byte) error) error {
	pos, seg := 0, 0
	for pos <= len(line) {
		if !s.inside {
			loc := s.open.FindStringIndex(line[pos:])
			if loc == nil {
				return nil
			}
			seg = pos + loc[0]
			s.inside, s.depth, s.lines = true, 0, 0
			s.buf = s.buf[:0]
			end := pos + loc[1]
			if gt, ok := selfClosing(line, end); ok {
				if err := emit(append(s.buf, line[seg:gt+1]...)); err != nil {
					return err
				}
				s.inside = false
				pos = gt + 1
				continue
			}
			s.depth = 1
			pos = end
			continue
		}

		rest := line[pos:]
		o := s.open.FindStringIndex(rest)
		c := s.close.FindStringIndex(rest)
		if c == nil {
			for _, m := range s.open.FindAllStringIndex(rest, -1) {
				if _, ok := selfClosing(line, pos+m[1]); !ok {
					s.depth++
				}
			}
			s.buf = append(s.buf, line[seg:]...)
			s.lines++
			return nil
		}
		if o != nil && o[0] < c[0] {
			end := pos + o[1]
			if gt, ok := selfClosing(line, end); ok {
				pos = gt + 1
			} else {
				s.depth++
				pos = end
			}
			continue
		}

		pos += c[1]
		s.depth--
		if s.depth > 0 {
			continue
		}
		s.buf = append(s.buf, line[seg:pos]...)
		if err := emit(s.buf); err != nil {
			return err
		}
		s.inside = false
		s.buf = s.buf[:0]
		s.lines = 0
	}
	return nil
}

// selfClosing looks for the '>' ending a start tag whose name ends at from,
// and reports whether the tag is written as <tag .../>. Quoted attribute
// values are skipped.
func selfClosing(line string, from int) (int, bool) {
	var quote byte
	for i := from; i < len(line); i++ {
		ch := line[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == '>':
			return i, line[i-1] == '/'
		}
	}
	return -1, false
}

// chunkWriter owns the chunk file currently being filled.
type chunkWriter struct {
	dir     string
	root    string
	perFile int
	set     *ChunkSet

	f     *os.File
	w     *bufio.Writer
	path  string
	count int
}

func (c *chunkWriter) openNext() error {
	c.path = filepath.Join(c.dir, fmt.Sprintf(chunkNameFmt, len(c.set.Files)+1))
	f, err := os.Create(c.path)
	if err != nil {
		return perr.IO("create", c.path, err)
	}
	c.f = f
	c.w = bufio.NewWriterSize(f, writeBufSize)
	c.count = 0
	c.set.Files = append(c.set.Files, c.path)
	c.set.Counts = append(c.set.Counts, 0)
	if _, err := c.w.WriteString(xmlDecl + "<" + c.root + ">\n"); err != nil {
		return perr.IO("write", c.path, err)
	}
	return nil
}

func (c *chunkWriter) writeRecord(rec []byte) error {
	if c.f == nil {
		if err := c.openNext(); err != nil {
			return err
		}
	}
	if _, err := c.w.Write(rec); err != nil {
		return perr.IO("write", c.path, err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return perr.IO("write", c.path, err)
	}
	c.count++
	c.set.Counts[len(c.set.Counts)-1] = c.count
	c.set.Records++
	if c.count >= c.perFile {
		return c.closeCurrent()
	}
	return nil
}

func (c *chunkWriter) closeCurrent() error {
	if c.f == nil {
		return nil
	}
	f, w, path := c.f, c.w, c.path
	c.f, c.w = nil, nil
	if _, err := w.WriteString("</" + c.root + ">"); err != nil {
		f.Close()
		return perr.IO("write", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return perr.IO("write", path, err)
	}
	if err := f.Close(); err != nil {
		return perr.IO("close", path, err)
	}
	return nil
}

// finish terminates the open chunk. An input without records still gets one
// empty, well-formed chunk.
func (c *chunkWriter) finish() error {
	if len(c.set.Files) == 0 {
		if err := c.openNext(); err != nil {
			return err
		}
	}
	return c.closeCurrent()
}

// abort flushes what was written and leaves the current chunk unterminated.
func (c *chunkWriter) abort() {
	if c.f == nil {
		return
	}
	_ = c.w.Flush()
	_ = c.f.Close()
	c.f, c.w = nil, nil
}

// countingReader reports raw bytes consumed before any charset decoding.
type countingReader struct {
	r   io.Reader
	rep progress.Reporter
	n   int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.rep.Advance(int64(n))
	}
	return n, err
}
