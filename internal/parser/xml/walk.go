package xml

import (
	"bufio"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"os"

	perr "dumpflat/internal/errors"
)

// Attr is one attribute of a started element.
type Attr struct {
	Name  string
	Value string
}

// Handler receives element events in document order.
//
// anc always has the current element on top. text is the element's own
// character data up to its first child (ElementTree's .text), untrimmed.
// attrs is reused between calls and must not be retained.
type Handler interface {
	StartElement(anc Ancestors, name string, attrs []Attr) error
	EndElement(anc Ancestors, name string, text string) error
}

// frame is one open element.
type frame struct {
	name     string
	text     []byte
	textOpen bool
}

// ctxCheckEvery bounds how many tokens are decoded between ctx checks.
const ctxCheckEvery = 4096

// Walk decodes r token by token and drives h. Memory is bounded by the open
// element depth plus the text of those elements.
//
// Decoder failures are returned unwrapped; handler errors are returned as-is.
func Walk(ctx context.Context, r io.Reader, h Handler) error {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	dec.Entity = xml.HTMLEntity

	var (
		stack  []frame
		path   []string
		tokens int
		attrs  []Attr
	)

	for {
		tokens++
		if tokens%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		tok, err := dec.RawToken()
		if err == io.EOF {
			if len(stack) != 0 {
				return &xml.SyntaxError{Msg: "unexpected EOF: unclosed <" + stack[len(stack)-1].name + ">", Line: inputLine(dec)}
			}
			return nil
		}
		if err != nil {
			return err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if n := len(stack); n > 0 {
				stack[n-1].textOpen = false
			}
			name := t.Name.Local
			stack = append(stack, frame{name: name, textOpen: true})
			path = append(path, name)

			attrs = attrs[:0]
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
					continue
				}
				attrs = append(attrs, Attr{Name: a.Name.Local, Value: a.Value})
			}
			if err := h.StartElement(AncestorsOf(path), name, attrs); err != nil {
				return err
			}

		case xml.EndElement:
			n := len(stack)
			if n == 0 || stack[n-1].name != t.Name.Local {
				return &xml.SyntaxError{Msg: "unexpected end element </" + t.Name.Local + ">", Line: inputLine(dec)}
			}
			top := stack[n-1]
			if err := h.EndElement(AncestorsOf(path), top.name, string(top.text)); err != nil {
				return err
			}
			stack = stack[:n-1]
			path = path[:n-1]

		case xml.CharData:
			if n := len(stack); n > 0 && stack[n-1].textOpen {
				stack[n-1].text = append(stack[n-1].text, t...)
			}
		}
	}
}

// WalkFile walks the XML document at path. Read failures come back as
// perr.KindIO and tokenizer failures as perr.KindMalformed, both carrying path.
func WalkFile(ctx context.Context, path string, h Handler) error {
	f, err := os.Open(path)
	if err != nil {
		return perr.IO("open", path, err)
	}
	defer f.Close()

	src := &trackingReader{r: bufio.NewReaderSize(f, 256<<10)}
	if err := Walk(ctx, src, h); err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case src.err != nil && errors.Is(err, src.err):
			return perr.IO("read", path, err)
		case isDecodeError(err):
			return perr.Malformed(path, err)
		default:
			return err
		}
	}
	return nil
}

func isDecodeError(err error) bool {
	var se *xml.SyntaxError
	if errors.As(err, &se) {
		return true
	}
	var ue xml.UnmarshalError
	return errors.As(err, &ue)
}

// trackingReader remembers the first non-EOF read error so it can be told
// apart from a syntax error.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

func inputLine(dec *xml.Decoder) int {
	line, _ := dec.InputPos()
	return line
}
