package healthschool

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

const maxSSELine = 1 << 20

// sseFrame is one dispatched server-sent event block.
type sseFrame struct {
	ID    string
	Event string
	Data  string
	Retry time.Duration

	hasID    bool
	hasRetry bool
	comment  bool

	// truncated is set when a line of the block exceeded maxSSELine and was
	// skipped.
	truncated bool
}

// heartbeat reports whether the block carries nothing but liveness.
func (f sseFrame) heartbeat() bool {
	return f.Event == "" && f.Data == "" && !f.hasID
}

// sseReader splits a text/event-stream body into frames.
type sseReader struct {
	br *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{br: bufio.NewReaderSize(r, 4096)}
}

// readLine returns the next line without its terminator. A line longer than
// maxSSELine is consumed in full and reported as long instead of returned. A
// trailing line with no terminator is dropped with the read error.
func (r *sseReader) readLine() ([]byte, bool, error) {
	var (
		buf  []byte
		long bool
	)
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !long {
			buf = append(buf, chunk...)
			if len(buf) > maxSSELine+2 {
				long, buf = true, nil
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if long {
			return nil, true, nil
		}
		buf = bytes.TrimSuffix(buf[:len(buf)-1], []byte("\r"))
		if len(buf) > maxSSELine {
			return nil, true, nil
		}
		return buf, false, nil
	}
}

// Next returns the next frame. Comment-only blocks come back as heartbeats
// so the caller can track liveness. io.EOF marks a clean end of stream.
func (r *sseReader) Next() (sseFrame, error) {
	var (
		f       sseFrame
		data    strings.Builder
		hasData bool
		seen    bool
	)
	for {
		raw, long, err := r.readLine()
		if err != nil {
			return sseFrame{}, err
		}
		if long {
			f.truncated, seen = true, true
			continue
		}
		line := string(raw)
		if line == "" {
			if !seen {
				continue
			}
			if hasData {
				f.Data = data.String()
			}
			return f, nil
		}
		seen = true
		if strings.HasPrefix(line, ":") {
			f.comment = true
			continue
		}

		field, value := line, ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], strings.TrimPrefix(line[i+1:], " ")
		}
		switch field {
		case "id":
			if !strings.ContainsRune(value, 0) {
				f.ID, f.hasID = value, true
			}
		case "event":
			f.Event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				f.Retry, f.hasRetry = time.Duration(ms)*time.Millisecond, true
			}
		}
	}
}
