package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/foundry/internal/logstream"
)

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.protocolID(w, r)
	if !ok {
		return
	}
	p, err := s.project.Update(r.Context(), id)
	if err != nil {
		s.writeProtocolError(w, "get protocol for logs", err)
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// A stopped protocol has nothing left to follow; its log is served by
	// the history endpoint.
	if !p.IsActive() {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A closed topic left by a previous run is stale while the protocol is
	// active. Subscribe before the follower starts so no line is missed; a
	// follower already running keeps serving the new subscriber.
	s.broker.Reopen(id)
	ch, unsub := s.broker.Subscribe(id)
	defer unsub()
	go s.follow(id, p.LogPath())

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				// Protocol stopped; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// follow publishes the run log of protocol id until the protocol stops.
func (s *Server) follow(id int64, path string) {
	active := func() bool {
		ctx, cancel := context.WithTimeout(s.ctx, scrapeTimeout)
		defer cancel()
		p, err := s.project.Update(ctx, id)
		return err == nil && p.IsActive()
	}
	if err := logstream.Follow(s.ctx, s.broker, id, path, active, s.followInterval); err != nil && s.ctx.Err() == nil {
		s.logger.Error("follow run log", "protocol_id", id, "error", err)
	}
}

// logHistoryLine is a single log line in the history response.
type logHistoryLine struct {
	Seq  int    `json:"seq"`
	Line string `json:"line"`
}

// logHistoryResponse is the JSON response for GET /v1/protocols/{id}/logs/history.
type logHistoryResponse struct {
	ProtocolID int64            `json:"protocol_id"`
	Path       string           `json:"path"`
	Lines      []logHistoryLine `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.protocolID(w, r)
	if !ok {
		return
	}
	p, err := s.project.Get(r.Context(), id)
	if err != nil {
		s.writeProtocolError(w, "get protocol for log history", err)
		return
	}

	path := p.LogPath()
	if r.URL.Query().Get("stream") == "stdout" {
		path = p.StdoutPath()
	} else if r.URL.Query().Get("stream") == "stderr" {
		path = p.StderrPath()
	}

	logLines, err := logstream.Lines(path)
	if err != nil {
		s.logger.Error("read log lines", "protocol_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read log")
		return
	}

	lines := make([]logHistoryLine, len(logLines))
	for i, l := range logLines {
		lines[i] = logHistoryLine{Seq: i + 1, Line: l}
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		ProtocolID: id,
		Path:       path,
		Lines:      lines,
	})
}

// writeSSEData writes a log line as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix, per the SSE spec.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
