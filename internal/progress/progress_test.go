package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFunc_AccumulatesAndFinishes(t *testing.T) {
	t.Parallel()

	var got []Update
	r := Func(func(u Update) { got = append(got, u) })

	r.Start("chunk", Bytes, 100)
	r.Advance(40)
	r.Advance(60)
	r.Finish()

	require.Len(t, got, 4)
	assert.Equal(t, Update{Stage: "chunk", Unit: Bytes, Total: 100}, got[0])
	assert.Equal(t, int64(40), got[1].Current)
	assert.Equal(t, int64(100), got[2].Current)
	assert.True(t, got[3].Finished)
	assert.Equal(t, 100.0, got[3].Percent())
}

func TestUpdate_PercentAndFormat(t *testing.T) {
	t.Parallel()

	assert.Equal(t, -1.0, Update{Current: 5}.Percent())
	assert.Equal(t, 50.0, Update{Current: 5, Total: 10}.Percent())
	assert.Equal(t, 100.0, Update{Current: 15, Total: 10}.Percent())

	assert.Equal(t, "2.0 KiB", Update{Unit: Bytes}.Format(2048))
	assert.Equal(t, "12,345", Update{Unit: Items}.Format(12345))
}

func TestLog_ThrottlesAdvanceLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	clock := time.Unix(0, 0)

	l := NewLog(&zl, time.Second)
	l.now = func() time.Time { return clock }

	l.Start("emit", Items, 3)
	l.Advance(1) // same instant: throttled
	clock = clock.Add(2 * time.Second)
	l.Advance(1) // logged
	l.Finish()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3, buf.String())
	assert.Contains(t, lines[0], "stage started")
	assert.Contains(t, lines[1], `"done":"2"`)
	assert.Contains(t, lines[2], "stage finished")
}

func TestMultiAndOrNop(t *testing.T) {
	t.Parallel()

	var a, b int64
	m := Multi(
		Func(func(u Update) { a = u.Current }),
		nil,
		Func(func(u Update) { b = u.Current }),
	)
	m.Start("discover", Items, 2)
	m.Advance(2)
	m.Finish()
	assert.Equal(t, int64(2), a)
	assert.Equal(t, int64(2), b)

	assert.IsType(t, Nop{}, OrNop(nil))
	OrNop(nil).Advance(5)
}
