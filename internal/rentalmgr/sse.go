package rentalmgr

import (
	"context"
	"fmt"
	"net/http"
)

// WriteSSE frames events onto w as server-sent events, one `data: ...`
// block per LogEvent, flushing after each write so a client sees log
// lines as they arrive rather than buffered. It returns when events
// closes, ctx is cancelled, or a write fails. On an upstream error
// (events closing without the producer cancelling ctx is not itself an
// error here; StreamLogs's own handling of a backend disconnect is
// responsible for emitting a final stream="error" LogEvent before
// closing its channel).
func WriteSSE(ctx context.Context, w http.ResponseWriter, events <-chan LogEvent) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Stream, sseEscape(ev.Message)); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// sseEscape collapses embedded newlines so a single LogEvent.Message
// never splits across more than one `data:` line boundary, which would
// otherwise truncate the event at the first newline per the SSE spec.
func sseEscape(message string) string {
	out := make([]byte, 0, len(message))
	for i := 0; i < len(message); i++ {
		if message[i] == '\n' {
			out = append(out, ' ')
			continue
		}
		out = append(out, message[i])
	}
	return string(out)
}
