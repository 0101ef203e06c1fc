// Package json streams JSON Lines tables (one flat object per line, as the
// jsonl output format writes them) back into pooled rows for loading.
package json

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"dumpflat/internal/config"
	"dumpflat/internal/transformer"
)

const maxLineSize = 64 << 20

// ReadHeader returns the keys of the first object in r in document order,
// or nil when r holds no object.
func ReadHeader(r io.Reader) ([]string, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("json: read first token: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("json: first value is %v, want an object", tok)
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("json: read key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("json: object key is %T", tok)
		}
		keys = append(keys, strings.TrimSpace(key))

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("json: value of %q: %w", key, err)
		}
	}
	return keys, nil
}

// StreamJSONLRows decodes one object per line from r into pooled rows
// aligned to columns.
//
// Recognized options:
//   - header_map: source key -> target column rename
//   - trim_space (true)
//
// Missing keys, nulls and empty strings become nil. Numbers and booleans
// keep their JSON text; nested arrays and objects are re-encoded compactly.
// Lines that are not objects are reported through onErr and skipped.
func StreamJSONLRows(
	ctx context.Context,
	r io.Reader,
	columns []string,
	opt config.Options,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	trim := opt.Bool("trim_space", true)

	// Each target column reads the source key that maps onto it.
	srcKey := make([]string, len(columns))
	copy(srcKey, columns)
	for src, target := range opt.StringMap("header_map") {
		for i, c := range columns {
			if c == target {
				srcKey[i] = src
			}
		}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for sc.Scan() {
		line++
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}

		obj, err := decodeObject(b)
		if err != nil {
			if onErr != nil {
				onErr(line, err)
			}
			continue
		}

		row := transformer.GetRow(len(columns))
		row.Line = line
		for i, k := range srcKey {
			v, ok := obj[k]
			if !ok {
				continue
			}
			cell, err := cellValue(v, trim)
			if err != nil {
				if onErr != nil {
					onErr(line, fmt.Errorf("json: field %q: %w", k, err))
				}
				continue
			}
			if cell != "" {
				row.V[i] = cell
			}
		}

		select {
		case out <- row:
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("json: line %d: %w", line+1, err)
	}
	return nil
}

func decodeObject(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("json: decode: %w", err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("json: line is %T, want an object", raw)
	}
	return obj, nil
}

func cellValue(v any, trim bool) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		if trim {
			return strings.TrimSpace(x), nil
		}
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		if x {
			return "true", nil
		}
		return "false", nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
