package appserver

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"regexp"
	"sync"
)

const (
	// DefaultMaxMessageBytes bounds a single stdout line.
	DefaultMaxMessageBytes = 50 * 1024 * 1024
	// DefaultDrainLimitBytes bounds how many bytes of an oversized line are
	// discarded before the drain is aborted and the stream abandoned.
	DefaultDrainLimitBytes = 100 * 1024 * 1024

	// oversizePreviewBytes is how much of an oversized line's head is kept
	// for sniffing method/thread/turn ids.
	oversizePreviewBytes = 4096

	// invalidJSONPreviewBytes bounds the preview logged for unparsable lines.
	invalidJSONPreviewBytes = 200

	frameReaderChunk = 64 * 1024
)

// Head-of-line sniffing for oversized frames. The full message never gets
// parsed, so ids are extracted textually from the retained preview.
var (
	oversizeMethodRe = regexp.MustCompile(`"method"\s*:\s*"([^"]+)"`)
	oversizeThreadRe = regexp.MustCompile(`"threadId"\s*:\s*"([^"]+)"`)
	oversizeTurnRe   = regexp.MustCompile(`"turnId"\s*:\s*"([^"]+)"`)
)

// OversizeEvent describes one dropped oversized line.
type OversizeEvent struct {
	ByteLimit      int
	DrainLimit     int
	BytesDropped   int64
	InferredMethod string
	ThreadID       string
	TurnID         string
	Truncated      bool
	Aborted        bool
}

// params converts the event into the synthetic notification payload.
func (ev *OversizeEvent) params() *OversizedMessageDroppedParams {
	p := &OversizedMessageDroppedParams{
		ByteLimit:      ev.ByteLimit,
		BytesDropped:   ev.BytesDropped,
		InferredMethod: ev.InferredMethod,
		ThreadID:       ev.ThreadID,
		TurnID:         ev.TurnID,
		Truncated:      ev.Truncated,
		Aborted:        ev.Aborted,
	}
	if ev.Aborted {
		p.DrainLimit = ev.DrainLimit
	}
	return p
}

// frameReader splits a stream into newline-delimited frames with a byte
// bound per frame. Frames longer than maxBytes are discarded: the reader
// switches to drain mode, counts bytes until the next newline, and reports
// the drop through an OversizeEvent. Draining itself is bounded by
// drainLimit; past it the stream cannot be resynchronized and the reader
// fails with ErrDrainAborted.
type frameReader struct {
	br         *bufio.Reader
	maxBytes   int
	drainLimit int

	buf        []byte
	pendingErr error
}

func newFrameReader(r io.Reader, maxBytes, drainLimit int) *frameReader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	if drainLimit <= 0 {
		drainLimit = DefaultDrainLimitBytes
	}
	if drainLimit < maxBytes {
		drainLimit = maxBytes
	}
	return &frameReader{
		br:         bufio.NewReaderSize(r, frameReaderChunk),
		maxBytes:   maxBytes,
		drainLimit: drainLimit,
	}
}

// Next returns the next complete frame without its trailing newline. When an
// oversized frame was dropped it returns a nil frame and a non-nil event;
// the caller reports it and calls Next again. The returned slice is only
// valid until the following call.
func (fr *frameReader) Next() ([]byte, *OversizeEvent, error) {
	if fr.pendingErr != nil {
		err := fr.pendingErr
		fr.pendingErr = nil
		return nil, nil, err
	}

	fr.buf = fr.buf[:0]
	for {
		chunk, err := fr.br.ReadSlice('\n')
		fr.buf = append(fr.buf, chunk...)

		switch {
		case err == nil:
			line := trimLine(fr.buf)
			if len(line) > fr.maxBytes {
				// The whole line fit in the buffer but still exceeds the
				// limit; drop it without draining.
				ev := fr.newOversizeEvent(line)
				ev.BytesDropped = int64(len(line))
				return nil, ev, nil
			}
			return line, nil, nil

		case errors.Is(err, bufio.ErrBufferFull):
			if len(fr.buf) > fr.maxBytes {
				return fr.drain()
			}

		case errors.Is(err, io.EOF):
			if len(fr.buf) == 0 {
				return nil, nil, io.EOF
			}
			// Deliver the final unterminated line, then report EOF.
			fr.pendingErr = io.EOF
			line := trimLine(fr.buf)
			if len(line) > fr.maxBytes {
				ev := fr.newOversizeEvent(line)
				ev.BytesDropped = int64(len(line))
				return nil, ev, nil
			}
			return line, nil, nil

		default:
			return nil, nil, err
		}
	}
}

// drain discards the remainder of an oversized line, counting dropped bytes.
func (fr *frameReader) drain() ([]byte, *OversizeEvent, error) {
	ev := fr.newOversizeEvent(fr.buf)
	dropped := int64(len(fr.buf))
	fr.buf = fr.buf[:0]

	for {
		chunk, err := fr.br.ReadSlice('\n')
		dropped += int64(len(chunk))

		switch {
		case err == nil:
			// Newline found; the dropped count excludes it.
			ev.BytesDropped = dropped - 1
			return nil, ev, nil

		case errors.Is(err, bufio.ErrBufferFull):
			if dropped >= int64(fr.drainLimit) {
				ev.BytesDropped = dropped
				ev.Aborted = true
				return nil, ev, ErrDrainAborted
			}

		case errors.Is(err, io.EOF):
			ev.BytesDropped = dropped
			fr.pendingErr = io.EOF
			return nil, ev, nil

		default:
			ev.BytesDropped = dropped
			return nil, ev, err
		}
	}
}

// newOversizeEvent builds the event and sniffs ids from the line head.
func (fr *frameReader) newOversizeEvent(head []byte) *OversizeEvent {
	if len(head) > oversizePreviewBytes {
		head = head[:oversizePreviewBytes]
	}
	ev := &OversizeEvent{
		ByteLimit:  fr.maxBytes,
		DrainLimit: fr.drainLimit,
		Truncated:  true,
	}
	if m := oversizeMethodRe.FindSubmatch(head); m != nil {
		ev.InferredMethod = string(m[1])
	}
	if m := oversizeThreadRe.FindSubmatch(head); m != nil {
		ev.ThreadID = string(m[1])
	}
	if m := oversizeTurnRe.FindSubmatch(head); m != nil {
		ev.TurnID = string(m[1])
	}
	return ev
}

// trimLine strips the trailing newline and an optional carriage return.
func trimLine(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}

// frameWriter serializes outbound frames. Each message is one compact JSON
// line; the mutex is the single-writer lock for the stream.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: w}
}

// WriteFrame writes payload followed by a newline as a single write.
func (fw *frameWriter) WriteFrame(payload []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := fw.w.Write(buf)
	return err
}

// preview returns at most n bytes of b for logging.
func preview(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
