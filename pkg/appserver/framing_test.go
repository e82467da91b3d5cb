package appserver

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameReaderSplitsLines(t *testing.T) {
	fr := newFrameReader(strings.NewReader("{\"a\":1}\n{\"b\":2}\r\n\n{\"c\":3}"), 0, 0)

	line, ev, err := fr.Next()
	require.NoError(t, err)
	require.Nil(t, ev)
	assert.Equal(t, `{"a":1}`, string(line))

	line, ev, err = fr.Next()
	require.NoError(t, err)
	require.Nil(t, ev)
	assert.Equal(t, `{"b":2}`, string(line), "carriage return should be trimmed")

	line, ev, err = fr.Next()
	require.NoError(t, err)
	require.Nil(t, ev)
	assert.Empty(t, string(line), "blank line passes through empty")

	// Final line has no terminating newline but is still delivered.
	line, ev, err = fr.Next()
	require.NoError(t, err)
	require.Nil(t, ev)
	assert.Equal(t, `{"c":3}`, string(line))

	_, _, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderLineAtLimit(t *testing.T) {
	payload := strings.Repeat("x", 32)
	fr := newFrameReader(strings.NewReader(payload+"\n"), 32, 0)

	line, ev, err := fr.Next()
	require.NoError(t, err)
	require.Nil(t, ev, "a line exactly at the limit is not oversized")
	assert.Equal(t, payload, string(line))
}

func TestFrameReaderDropsOversizedLine(t *testing.T) {
	oversized := `{"method":"item/agentMessage/delta","params":{"threadId":"th_1","turnId":"tu_1","delta":"` +
		strings.Repeat("x", 100) + `"}}`
	input := oversized + "\n" + `{"ok":true}` + "\n"
	fr := newFrameReader(strings.NewReader(input), 64, 0)

	line, ev, err := fr.Next()
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Nil(t, line)
	assert.Equal(t, int64(len(oversized)), ev.BytesDropped)
	assert.Equal(t, 64, ev.ByteLimit)
	assert.True(t, ev.Truncated)
	assert.False(t, ev.Aborted)
	assert.Equal(t, "item/agentMessage/delta", ev.InferredMethod)
	assert.Equal(t, "th_1", ev.ThreadID)
	assert.Equal(t, "tu_1", ev.TurnID)

	// The stream resynchronizes on the next line.
	line, ev, err = fr.Next()
	require.NoError(t, err)
	require.Nil(t, ev)
	assert.Equal(t, `{"ok":true}`, string(line))
}

func TestFrameReaderDrainsChunkedOversizedLine(t *testing.T) {
	// Longer than the reader's internal buffer so the drain loop runs.
	oversized := `{"method":"turn/streamDelta","params":{"threadId":"th_2","delta":"` +
		strings.Repeat("y", 200*1024) + `"}}`
	input := oversized + "\n" + `{"ok":true}` + "\n"
	fr := newFrameReader(strings.NewReader(input), 1024, 0)

	line, ev, err := fr.Next()
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Nil(t, line)
	assert.Equal(t, int64(len(oversized)), ev.BytesDropped, "dropped count excludes the newline")
	assert.Equal(t, "turn/streamDelta", ev.InferredMethod)
	assert.Equal(t, "th_2", ev.ThreadID)
	assert.False(t, ev.Aborted)

	line, ev, err = fr.Next()
	require.NoError(t, err)
	require.Nil(t, ev)
	assert.Equal(t, `{"ok":true}`, string(line))
}

func TestFrameReaderAbortsDrainAtLimit(t *testing.T) {
	head := `{"method":"item/commandExecution/outputDelta","params":{"threadId":"th_3","turnId":"tu_3","delta":"`
	payload := head + strings.Repeat("z", 300*1024)
	fr := newFrameReader(strings.NewReader(payload), 1024, 100_000)

	line, ev, err := fr.Next()
	require.ErrorIs(t, err, ErrDrainAborted)
	require.NotNil(t, ev)
	assert.Nil(t, line)
	assert.True(t, ev.Aborted)
	assert.True(t, ev.Truncated)
	assert.GreaterOrEqual(t, ev.BytesDropped, int64(100_000))
	assert.Equal(t, "item/commandExecution/outputDelta", ev.InferredMethod)
	assert.Equal(t, "th_3", ev.ThreadID)
	assert.Equal(t, "tu_3", ev.TurnID)
}

func TestFrameReaderOversizedFinalLineWithoutNewline(t *testing.T) {
	payload := strings.Repeat("w", 70_000)
	fr := newFrameReader(strings.NewReader(payload), 1024, 0)

	line, ev, err := fr.Next()
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Nil(t, line)
	assert.Equal(t, int64(70_000), ev.BytesDropped)
	assert.False(t, ev.Aborted)

	_, _, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderRaisesDrainLimitToMax(t *testing.T) {
	fr := newFrameReader(strings.NewReader(""), 2048, 512)
	assert.Equal(t, 2048, fr.drainLimit)
}

func TestOversizeEventParams(t *testing.T) {
	ev := &OversizeEvent{
		ByteLimit:      64,
		DrainLimit:     128,
		BytesDropped:   99,
		InferredMethod: "turn/completed",
		Truncated:      true,
	}
	p := ev.params()
	assert.Equal(t, 0, p.DrainLimit, "drain limit is only reported on aborts")
	assert.Equal(t, int64(99), p.BytesDropped)

	ev.Aborted = true
	p = ev.params()
	assert.Equal(t, 128, p.DrainLimit)
	assert.True(t, p.Aborted)
}

func TestFrameWriterAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	fw := newFrameWriter(&buf)

	require.NoError(t, fw.WriteFrame([]byte(`{"id":"1"}`)))
	require.NoError(t, fw.WriteFrame([]byte(`{"id":"2"}`)))

	assert.Equal(t, "{\"id\":\"1\"}\n{\"id\":\"2\"}\n", buf.String())
}

func TestFrameReaderPropagatesReadError(t *testing.T) {
	readErr := errors.New("pipe broke")
	fr := newFrameReader(&failingReader{data: []byte("{\"a\":1}\n"), err: readErr}, 0, 0)

	line, _, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(line))

	_, _, err = fr.Next()
	assert.ErrorIs(t, err, readErr)
}

// failingReader yields its data, then a fixed error instead of EOF.
type failingReader struct {
	data []byte
	err  error
	off  int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, r.err
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}
