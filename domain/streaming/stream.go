// Package streaming implements the SSE framing and byte accounting used to
// relay OpenRouter chat-completion streams back to the client while still
// being able to extract the final usage event for token accounting (§5.3).
package streaming

import (
	"bytes"
	"io"
	"sync/atomic"
)

// StreamMetrics is a point-in-time snapshot of a StreamReader's counters,
// taken once the upstream body has been fully drained.
type StreamMetrics struct {
	TotalBytes    int64
	ChunkCount    int64
	LastChunk     []byte // last Read() payload, in case AllData was never accumulated
	AllData       []byte // full body, present only when AccumulateAll is true
	AccumulateAll bool
}

// StreamReader wraps an upstream response body, transparently counting
// bytes and chunks as the proxy relays them to the client. orproxy always
// constructs one with accumulate=true (adapters/http), because
// finalizeStreamTokens needs the complete SSE body afterward to recover the
// usage event OpenRouter sends just before "[DONE]" — chat completions have
// no Content-Length to size a buffer up front, so the accumulation happens
// chunk-by-chunk as the relay reads.
type StreamReader struct {
	reader     io.ReadCloser
	totalBytes atomic.Int64
	chunkCount atomic.Int64
	lastChunk  []byte
	buffer     bytes.Buffer
	accumulate bool
}

// NewStreamReader wraps r. When accumulate is true every byte read is also
// retained in an internal buffer, retrievable afterward via GetAllData.
func NewStreamReader(r io.ReadCloser, accumulate bool) *StreamReader {
	return &StreamReader{
		reader:     r,
		accumulate: accumulate,
	}
}

// Read satisfies io.Reader, updating the byte/chunk counters (and the
// accumulation buffer, if enabled) on every successful read.
func (s *StreamReader) Read(p []byte) (int, error) {
	n, err := s.reader.Read(p)
	if n > 0 {
		s.totalBytes.Add(int64(n))
		s.chunkCount.Add(1)

		s.lastChunk = make([]byte, n)
		copy(s.lastChunk, p[:n])

		if s.accumulate {
			s.buffer.Write(p[:n])
		}
	}
	return n, err
}

// Close closes the wrapped upstream body.
func (s *StreamReader) Close() error {
	return s.reader.Close()
}

// GetMetrics snapshots the counters gathered so far.
func (s *StreamReader) GetMetrics() StreamMetrics {
	metrics := StreamMetrics{
		TotalBytes:    s.totalBytes.Load(),
		ChunkCount:    s.chunkCount.Load(),
		LastChunk:     s.lastChunk,
		AccumulateAll: s.accumulate,
	}
	if s.accumulate {
		metrics.AllData = s.buffer.Bytes()
	}
	return metrics
}

// GetAllData returns everything read so far, or nil if accumulate was
// false. It holds the same bytes as GetMetrics().AllData, which is what
// relayStream (adapters/http) hands to the engine's token accounting once
// the upstream body is fully drained.
func (s *StreamReader) GetAllData() []byte {
	if s.accumulate {
		return s.buffer.Bytes()
	}
	return nil
}
