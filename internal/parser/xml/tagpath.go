package xml

import "strings"

// Ancestors is the capacity-2 view of the open element stack: the element
// being processed and, when it has one, its parent.
type Ancestors struct {
	names [2]string
	n     int
}

// AncestorsOf keeps the two most specific names of an open element path
// (outermost first).
func AncestorsOf(path []string) Ancestors {
	var a Ancestors
	if len(path) > 2 {
		path = path[len(path)-2:]
	}
	a.n = copy(a.names[:], path)
	return a
}

// Push returns a with name appended as the new leaf. The outermost name is
// dropped when the stack is full.
func (a Ancestors) Push(name string) Ancestors {
	if a.n < len(a.names) {
		a.names[a.n] = name
		a.n++
		return a
	}
	a.names[0] = a.names[1]
	a.names[1] = name
	return a
}

// Len returns the number of names held (0, 1 or 2).
func (a Ancestors) Len() int { return a.n }

// Full reports whether both slots are used.
func (a Ancestors) Full() bool { return a.n == len(a.names) }

// Leaf returns the most specific name, or "" for an empty stack.
func (a Ancestors) Leaf() string {
	if a.n == 0 {
		return ""
	}
	return a.names[a.n-1]
}

// Names returns the held names, outermost first.
func (a Ancestors) Names() []string {
	return append([]string(nil), a.names[:a.n]...)
}

// ColumnKey joins the held names and leaf with underscores. The element
// whose text or attribute is keyed counts as one of the two held names:
// <title> text inside <release> is "release_title_title", and the id
// attribute of <release> inside <releases> is "releases_release_id".
//
//	ColumnKey([release artists], "name") == "release_artists_name"
//	ColumnKey([release], "id")           == "release_id"
func ColumnKey(anc Ancestors, leaf string) string {
	switch anc.n {
	case 0:
		return leaf
	case 1:
		return anc.names[0] + "_" + leaf
	default:
		var b strings.Builder
		b.Grow(len(anc.names[0]) + len(anc.names[1]) + len(leaf) + 2)
		b.WriteString(anc.names[0])
		b.WriteByte('_')
		b.WriteString(anc.names[1])
		b.WriteByte('_')
		b.WriteString(leaf)
		return b.String()
	}
}

// AttrKey is the column for attribute attr of the element on top of anc.
func AttrKey(anc Ancestors, attr string) string {
	return ColumnKey(anc, attr)
}

// TextKey is the column for the text of the element on top of anc. A
// top-level element keeps its bare name.
func TextKey(anc Ancestors) string {
	if !anc.Full() {
		return anc.Leaf()
	}
	return ColumnKey(anc, anc.Leaf())
}
