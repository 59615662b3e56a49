// Package sse implements the SSE Streamer: it writes the canonical
// Anthropic event sequence (message_start, content_block_start/delta/stop
// pairs, message_delta, message_stop) to an http.ResponseWriter, flushing
// after every event so the client sees tokens as they arrive.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/anthropic"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/logging"
)

// ErrStreamingUnsupported is returned when the ResponseWriter doesn't
// implement http.Flusher.
var ErrStreamingUnsupported = errors.New("sse: streaming not supported by response writer")

// Writer tracks which content-block index is currently open so Abort can
// synthesize a well-formed terminal sequence no matter where the stream
// died.
type Writer struct {
	w           http.ResponseWriter
	flusher     http.Flusher
	log         *zap.Logger
	openBlock   bool
	blockIndex  int
	eventsSent  int
}

func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &Writer{w: w, flusher: flusher, log: logging.Named("sse-writer")}, nil
}

func (s *Writer) emit(eventName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshal %s: %w", eventName, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventName, data); err != nil {
		return fmt.Errorf("sse: write %s: %w", eventName, err)
	}
	s.flusher.Flush()
	s.eventsSent++
	return nil
}

func (s *Writer) MessageStart(message anthropic.MessagesResponse) error {
	return s.emit("message_start", anthropic.EventMessageStart{Type: "message_start", Message: message})
}

// ContentBlockStart opens a block at index. Abort uses openBlock/blockIndex
// to know whether a matching content_block_stop is still owed.
func (s *Writer) ContentBlockStart(index int, block anthropic.ContentBlock) error {
	s.openBlock = true
	s.blockIndex = index
	return s.emit("content_block_start", anthropic.EventContentBlockStart{Type: "content_block_start", Index: index, ContentBlock: block})
}

func (s *Writer) ContentBlockDelta(index int, delta anthropic.Delta) error {
	return s.emit("content_block_delta", anthropic.EventContentBlockDelta{Type: "content_block_delta", Index: index, Delta: delta})
}

func (s *Writer) ContentBlockStop(index int) error {
	if s.openBlock && index == s.blockIndex {
		s.openBlock = false
	}
	return s.emit("content_block_stop", anthropic.EventContentBlockStop{Type: "content_block_stop", Index: index})
}

func (s *Writer) MessageDelta(stopReason string, usage anthropic.Usage) error {
	return s.emit("message_delta", anthropic.EventMessageDelta{
		Type:  "message_delta",
		Delta: anthropic.MessageDeltaBody{StopReason: stopReason},
		Usage: usage,
	})
}

func (s *Writer) MessageStop() error {
	return s.emit("message_stop", anthropic.EventMessageStop{Type: "message_stop"})
}

// Abort emits a synthetic terminal sequence when the upstream connection
// dies mid-stream: close any open content block, then message_delta with
// stop_reason "error", then message_stop. Safe to call even if no block is
// currently open.
func (s *Writer) Abort(usage anthropic.Usage) {
	if s.openBlock {
		if err := s.ContentBlockStop(s.blockIndex); err != nil {
			s.log.Warn("sse abort: content_block_stop failed", zap.Error(err))
		}
	}
	if err := s.MessageDelta("error", usage); err != nil {
		s.log.Warn("sse abort: message_delta failed", zap.Error(err))
	}
	if err := s.MessageStop(); err != nil {
		s.log.Warn("sse abort: message_stop failed", zap.Error(err))
	}
}

// EventsSent reports how many SSE events this writer has flushed, used by
// the Streaming Handler to decide whether a mid-stream failure happened
// before or after the first byte reached the client.
func (s *Writer) EventsSent() int {
	return s.eventsSent
}
