// Package transformer holds the streaming stages between the CSV reader and
// the database loader. Rows are pooled to keep heap churn low on
// multi-million-record dumps.
package transformer

import "sync"

// Row is a pooled positional row, aligned to the table's column order.
//
// Ownership contract:
//   - Exactly one goroutine owns a Row at a time.
//   - A Row may be passed downstream via channels (ownership transfer).
//   - The final consumer (the loader) calls Free() once it no longer
//     references r or r.V.
//
// On ctx cancellation, stages may still be draining while the reader unwinds.
// A row freed there can be reused immediately and written while a
// downstream stage still reads it, so cancellation paths call Drop() instead.
type Row struct {
	V    []any
	Line int // 1-based CSV record number, if known
}

var rowPool sync.Pool

// GetRow returns a pooled Row with len(V) == colCount and every element nil.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < colCount {
			r.V = make([]any, colCount)
		}
		r.V = r.V[:colCount]
		clear(r.V)
		r.Line = 0
		return r
	}
	return &Row{V: make([]any, colCount)}
}

// Free returns the Row to the pool.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop discards the Row without returning it to the pool.
func (r *Row) Drop() {
	r.V = nil
	r.Line = 0
}
