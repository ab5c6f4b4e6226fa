package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/polos-dev/polos-go"
)

// sseStream consumes a byte stream line-by-line per the SSE wire format
// (spec §6): accumulates data: payloads, flushes on a blank line, ignores
// comment lines (":") and keepalives, yields parsed polos.Event values
// lazily. Restartable: a caller that wants to resume from a cursor opens a
// new HTTP request with StreamOptions.FromSequenceID set and gets a fresh
// sseStream rather than resuming this one.
type sseStream struct {
	r      *bufio.Reader
	closer io.Closer
	buf    strings.Builder
}

func newSSEStream(body io.ReadCloser) *sseStream {
	return &sseStream{r: bufio.NewReader(body), closer: body}
}

// Next reads lines until a complete event is assembled or the stream ends.
// Returns (event, true, nil) on a parsed event, (zero, false, nil) on EOF,
// or (zero, false, err) on a read/parse error. The underlying HTTP request
// carries ctx already (via http.NewRequestWithContext in http.go), so
// cancellation unblocks the in-flight read with an error rather than
// requiring an explicit select here.
func (s *sseStream) Next(ctx context.Context) (polos.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return polos.Event{}, false, err
	}
	return s.next()
}

func (s *sseStream) next() (polos.Event, bool, error) {
	s.buf.Reset()
	haveData := false
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && haveData {
				return s.flush()
			}
			if err == io.EOF {
				return polos.Event{}, false, nil
			}
			return polos.Event{}, false, fmt.Errorf("sse read: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if haveData {
				return s.flush()
			}
			// blank line with no accumulated data: keepalive, keep reading
			continue
		case strings.HasPrefix(line, ":"):
			// comment/keepalive line, ignore
			continue
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(line, "data:")
			payload = strings.TrimPrefix(payload, " ")
			if haveData {
				s.buf.WriteByte('\n')
			}
			s.buf.WriteString(payload)
			haveData = true
		default:
			// unrecognized field (event:, id:, retry:), ignore: the core
			// protocol carries everything needed inside the JSON data payload
		}
	}
}

func (s *sseStream) flush() (polos.Event, bool, error) {
	var ev polos.Event
	if err := json.Unmarshal([]byte(s.buf.String()), &ev); err != nil {
		return polos.Event{}, false, fmt.Errorf("sse parse: %w", err)
	}
	return ev, true, nil
}

func (s *sseStream) Close() error {
	return s.closer.Close()
}
