package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"

	perr "dumpflat/internal/errors"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultJob            = "dumpflat"
	DefaultRecordsPerFile = 10000
	DefaultBatchSize      = 5000
)

// Pipeline is one conversion job: which dump to read, how to chunk it,
// where the flat table goes and, optionally, which database receives it.
type Pipeline struct {
	Job     string  `json:"job"`
	Source  Source  `json:"source"`
	Chunker Chunker `json:"chunker"`
	Output  Output  `json:"output"`
	Storage Storage `json:"storage"`
	Parser  Parser  `json:"parser"`
}

// Source is the decompressed dump to convert.
type Source struct {
	Path string `json:"path"`
	// ContentType is the plural collection name ("releases"). Empty means
	// derive it from the file name.
	ContentType string `json:"content_type"`
	Encoding    string `json:"encoding,omitempty"`
}

type Chunker struct {
	RecordsPerFile int  `json:"records_per_file"`
	KeepChunks     bool `json:"keep_chunks"`
}

// Output is the flat table. An empty Path means next to the source with the
// format's extension.
type Output struct {
	Path      string `json:"path,omitempty"`
	Format    string `json:"format,omitempty"`
	Delimiter string `json:"delimiter,omitempty"`
}

// Comma is the CSV delimiter; "\t" (escaped) selects tab. Default ','.
func (o Output) Comma() rune {
	return Options{"delimiter": o.Delimiter}.Rune("delimiter", ',')
}

// Storage selects the optional load target. Kind "" or "none" disables it.
type Storage struct {
	Kind string   `json:"kind"`
	DB   DBConfig `json:"db"`
}

type DBConfig struct {
	DSN       string `json:"dsn"`
	Table     string `json:"table"`
	BatchSize int    `json:"batch_size"`
	// RowHash adds a unique row_hash column so re-running a load skips rows
	// already present.
	RowHash bool `json:"row_hash"`
}

// Parser carries reader options for the load stage (see parser/csv).
type Parser struct {
	Options Options `json:"options"`
}

// Load reads and decodes a pipeline JSON file. Defaults are not applied.
func Load(path string) (Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return Pipeline{}, perr.IO("open", path, err)
	}
	defer f.Close()

	var p Pipeline
	if err := json.NewDecoder(f).Decode(&p); err != nil {
		return Pipeline{}, perr.WrapPath(err, perr.KindConfig, "decode config", path)
	}
	return p, nil
}

// LoadEnabled reports whether a load stage is configured.
func (s Storage) LoadEnabled() bool {
	k := strings.ToLower(strings.TrimSpace(s.Kind))
	return k != "" && k != "none"
}

// ApplyDefaults fills unset fields.
func (p *Pipeline) ApplyDefaults() {
	if p.Job == "" {
		p.Job = DefaultJob
	}
	if p.Chunker.RecordsPerFile == 0 {
		p.Chunker.RecordsPerFile = DefaultRecordsPerFile
	}
	if p.Output.Format == "" {
		p.Output.Format = "csv"
	}
	if p.Storage.LoadEnabled() {
		if p.Storage.DB.BatchSize == 0 {
			p.Storage.DB.BatchSize = DefaultBatchSize
		}
		if p.Storage.DB.Table == "" {
			p.Storage.DB.Table = p.Source.ContentType
		}
	}
}

// Severity grades a validation Issue.
type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
)

// Issue is one validation finding. Path is the JSON path of the field.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string { return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message) }

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

var knownStorage = map[string]bool{"sqlite": true, "postgres": true, "mssql": true}

// ValidatePipeline checks p after defaults and overrides were applied.
func ValidatePipeline(p Pipeline) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, a ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if strings.TrimSpace(p.Source.Path) == "" {
		add(SeverityError, "source.path", "is required")
	}
	ct := p.Source.ContentType
	switch {
	case ct == "":
		add(SeverityError, "source.content_type", "is required and could not be derived from the file name")
	case len(ct) < 2:
		add(SeverityError, "source.content_type", "%q leaves an empty record tag", ct)
	case !strings.HasSuffix(strings.ToLower(ct), "s"):
		add(SeverityWarn, "source.content_type", "%q is not plural; record tag will be %q", ct, strings.ToLower(ct[:len(ct)-1]))
	}

	if p.Chunker.RecordsPerFile < 0 {
		add(SeverityError, "chunker.records_per_file", "must be positive, got %d", p.Chunker.RecordsPerFile)
	}

	switch strings.ToLower(strings.TrimSpace(p.Output.Format)) {
	case "", "csv", "jsonl", "ndjson":
	default:
		add(SeverityError, "output.format", "unknown format %q (want csv or jsonl)", p.Output.Format)
	}
	if d := p.Output.Delimiter; d != "" && d != `\t` && utf8.RuneCountInString(d) != 1 {
		add(SeverityError, "output.delimiter", "must be a single character, got %q", d)
	}

	if p.Storage.LoadEnabled() {
		kind := strings.ToLower(strings.TrimSpace(p.Storage.Kind))
		if !knownStorage[kind] {
			add(SeverityError, "storage.kind", "unknown backend %q", p.Storage.Kind)
		}
		if strings.TrimSpace(p.Storage.DB.DSN) == "" {
			add(SeverityError, "storage.db.dsn", "is required when storage.kind is %q", p.Storage.Kind)
		}
		if strings.TrimSpace(p.Storage.DB.Table) == "" {
			add(SeverityError, "storage.db.table", "is required")
		}
		if p.Storage.DB.BatchSize < 0 {
			add(SeverityError, "storage.db.batch_size", "must be positive, got %d", p.Storage.DB.BatchSize)
		}
	}
	return out
}

// ApplyEnv overrides p from DUMPFLAT_* environment variables.
func ApplyEnv(p *Pipeline) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("DUMPFLAT_JOB", &p.Job)
	str("DUMPFLAT_SOURCE_ENCODING", &p.Source.Encoding)
	str("DUMPFLAT_OUTPUT_FORMAT", &p.Output.Format)
	str("DUMPFLAT_STORAGE_KIND", &p.Storage.Kind)
	str("DUMPFLAT_DSN", &p.Storage.DB.DSN)
	str("DUMPFLAT_TABLE", &p.Storage.DB.Table)

	if v, ok := os.LookupEnv("DUMPFLAT_RECORDS_PER_FILE"); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return perr.Configf("DUMPFLAT_RECORDS_PER_FILE: %v", err)
		}
		p.Chunker.RecordsPerFile = n
	}
	if v, ok := os.LookupEnv("DUMPFLAT_BATCH_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return perr.Configf("DUMPFLAT_BATCH_SIZE: %v", err)
		}
		p.Storage.DB.BatchSize = n
	}
	if v, ok := os.LookupEnv("DUMPFLAT_KEEP_CHUNKS"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return perr.Configf("DUMPFLAT_KEEP_CHUNKS: %v", err)
		}
		p.Chunker.KeepChunks = b
	}
	return nil
}
