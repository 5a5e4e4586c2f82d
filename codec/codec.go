// Package codec serializes envelopes for the two wire forms: the raw
// envelope line written between agents, and the queue-log record wrapping an
// envelope with queue metadata. Lines above the compression threshold are
// replaced by a self-describing marker object holding base64-wrapped gzip of
// the original line, so readers need no out-of-band flag.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/agentcomm/metrics"
	"github.com/c360studio/agentcomm/protocol"
)

// QueueMetadata travels with an envelope in the queue log.
type QueueMetadata struct {
	QueuedAt   string            `json:"queuedAt"`
	Priority   protocol.Priority `json:"priority"`
	RetryCount int               `json:"retryCount"`
	EntryID    string            `json:"entryId,omitempty"`
	Processed  bool              `json:"processed,omitempty"`
}

// Record is the queue-log wire record.
type Record struct {
	Message       *protocol.Envelope `json:"message"`
	QueueMetadata QueueMetadata      `json:"queueMetadata"`
}

// compressedLine is the self-describing compression marker.
type compressedLine struct {
	Compressed bool   `json:"__compressed"`
	Data       string `json:"data"`
}

// statsWindow is the number of operations rolling averages cover.
const statsWindow = 100

// Stats reports rolling codec statistics over the last statsWindow
// operations per direction.
type Stats struct {
	Encodes            int64         `json:"encodes"`
	Decodes            int64         `json:"decodes"`
	DecodeFailures     int64         `json:"decodeFailures"`
	CompressedLines    int64         `json:"compressedLines"`
	AvgEncodeDuration  time.Duration `json:"avgEncodeDuration"`
	AvgDecodeDuration  time.Duration `json:"avgDecodeDuration"`
	AvgOriginalBytes   float64       `json:"avgOriginalBytes"`
	AvgFinalBytes      float64       `json:"avgFinalBytes"`
	AvgCompressionRate float64       `json:"avgCompressionRate"`
}

// ring is a fixed-size sample window.
type ring struct {
	samples []float64
	next    int
	full    bool
}

func newRing(n int) *ring {
	return &ring{samples: make([]float64, n)}
}

func (r *ring) add(v float64) {
	r.samples[r.next] = v
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) mean() float64 {
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += r.samples[i]
	}
	return sum / float64(n)
}

// Codec encodes and decodes wire lines. Safe for concurrent use.
type Codec struct {
	mu      sync.Mutex
	logger  *slog.Logger
	metrics *metrics.Metrics

	encodes, decodes, decodeFailures, compressed int64

	encodeDurations *ring
	decodeDurations *ring
	originalBytes   *ring
	finalBytes      *ring
	compressionRate *ring
}

// New creates a codec. Logger and metrics may be nil.
func New(logger *slog.Logger, m *metrics.Metrics) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{
		logger:          logger,
		metrics:         m,
		encodeDurations: newRing(statsWindow),
		decodeDurations: newRing(statsWindow),
		originalBytes:   newRing(statsWindow),
		finalBytes:      newRing(statsWindow),
		compressionRate: newRing(statsWindow),
	}
}

// EncodeRecord serializes a queue-log record as one line (no trailing
// newline). Lines above the compression threshold are compressed; lines above
// the size limit before compression are rejected.
func (c *Codec) EncodeRecord(env *protocol.Envelope, meta QueueMetadata) ([]byte, error) {
	return c.encode(&Record{Message: env, QueueMetadata: meta})
}

// EncodeEnvelope serializes a bare envelope for the direct agent-to-agent
// line, with the same compression and size rules as queue records.
func (c *Codec) EncodeEnvelope(env *protocol.Envelope) ([]byte, error) {
	return c.encode(env)
}

func (c *Codec) encode(value any) ([]byte, error) {
	start := time.Now()

	line, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal wire line: %w", err)
	}

	originalSize := len(line)
	if originalSize > protocol.MaxMessageSize {
		return nil, &protocol.Error{
			Code:        protocol.CodeSizeExceeded,
			Message:     fmt.Sprintf("serialized message is %d bytes, limit is %d", originalSize, protocol.MaxMessageSize),
			Severity:    protocol.SeverityHigh,
			Recoverable: false,
			Expected:    protocol.MaxMessageSize,
			Actual:      originalSize,
		}
	}

	wasCompressed := false
	if originalSize > protocol.CompressionThreshold {
		compressedData, err := compress(line)
		if err != nil {
			return nil, fmt.Errorf("compress wire line: %w", err)
		}
		marker, err := json.Marshal(&compressedLine{Compressed: true, Data: compressedData})
		if err != nil {
			return nil, fmt.Errorf("marshal compression marker: %w", err)
		}
		// gzip can lose against small high-entropy payloads; keep whichever
		// form is shorter.
		if len(marker) < originalSize {
			line = marker
			wasCompressed = true
		}
	}

	c.recordEncode(time.Since(start), originalSize, len(line), wasCompressed)
	return line, nil
}

// DecodeRecord parses a queue-log line back into a record, transparently
// decompressing marked lines.
func (c *Codec) DecodeRecord(line []byte) (*Record, error) {
	start := time.Now()

	plain, err := c.expand(line)
	if err != nil {
		c.recordDecodeFailure()
		return nil, err
	}

	var record Record
	if err := json.Unmarshal(plain, &record); err != nil {
		c.recordDecodeFailure()
		return nil, fmt.Errorf("decode queue record: %w", err)
	}
	if record.Message == nil {
		c.recordDecodeFailure()
		return nil, &protocol.Error{
			Code:     protocol.CodeSchemaMismatch,
			Message:  "queue record has no message",
			Severity: protocol.SeverityHigh,
			Field:    "message",
		}
	}
	if record.QueueMetadata.QueuedAt == "" {
		c.recordDecodeFailure()
		return nil, &protocol.Error{
			Code:     protocol.CodeSchemaMismatch,
			Message:  "queue record has no queueMetadata",
			Severity: protocol.SeverityHigh,
			Field:    "queueMetadata",
		}
	}

	c.recordDecode(time.Since(start))
	return &record, nil
}

// DecodeEnvelope parses a direct line back into an envelope.
func (c *Codec) DecodeEnvelope(line []byte) (*protocol.Envelope, error) {
	start := time.Now()

	plain, err := c.expand(line)
	if err != nil {
		c.recordDecodeFailure()
		return nil, err
	}

	var env protocol.Envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		c.recordDecodeFailure()
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	c.recordDecode(time.Since(start))
	return &env, nil
}

// expand performs level-1 checks and decompression on a wire line.
func (c *Codec) expand(line []byte) ([]byte, error) {
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, &protocol.Error{
			Code:        protocol.CodeMalformedMessage,
			Message:     "empty wire line",
			Severity:    protocol.SeverityHigh,
			Recoverable: false,
		}
	}
	if len(line) > protocol.MaxMessageSize {
		return nil, &protocol.Error{
			Code:        protocol.CodeSizeExceeded,
			Message:     fmt.Sprintf("wire line is %d bytes, limit is %d", len(line), protocol.MaxMessageSize),
			Severity:    protocol.SeverityHigh,
			Recoverable: false,
		}
	}
	if !json.Valid(line) {
		return nil, &protocol.Error{
			Code:        protocol.CodeMalformedMessage,
			Message:     "wire line is not parseable JSON",
			Severity:    protocol.SeverityHigh,
			Recoverable: false,
		}
	}

	var marker compressedLine
	if err := json.Unmarshal(line, &marker); err == nil && marker.Compressed {
		plain, err := decompress(marker.Data)
		if err != nil {
			return nil, fmt.Errorf("decompress wire line: %w", err)
		}
		return plain, nil
	}
	return line, nil
}

func compress(data []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decompress(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzip open: %w", err)
	}
	defer zr.Close()

	plain, err := io.ReadAll(io.LimitReader(zr, protocol.MaxMessageSize+1))
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	if len(plain) > protocol.MaxMessageSize {
		return nil, &protocol.Error{
			Code:        protocol.CodeSizeExceeded,
			Message:     "decompressed line exceeds size limit",
			Severity:    protocol.SeverityHigh,
			Recoverable: false,
		}
	}
	return plain, nil
}

func (c *Codec) recordEncode(d time.Duration, original, final int, wasCompressed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encodes++
	c.encodeDurations.add(float64(d))
	c.originalBytes.add(float64(original))
	c.finalBytes.add(float64(final))
	if wasCompressed {
		c.compressed++
		c.compressionRate.add(float64(final) / float64(original))
	}
	if c.metrics != nil {
		c.metrics.ObserveEncode(d, original, final, wasCompressed)
	}
}

func (c *Codec) recordDecode(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decodes++
	c.decodeDurations.add(float64(d))
	if c.metrics != nil {
		c.metrics.ObserveDecode(d, false)
	}
}

func (c *Codec) recordDecodeFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decodes++
	c.decodeFailures++
	if c.metrics != nil {
		c.metrics.ObserveDecode(0, true)
	}
}

// Stats returns rolling statistics over the last 100 operations.
func (c *Codec) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Encodes:            c.encodes,
		Decodes:            c.decodes,
		DecodeFailures:     c.decodeFailures,
		CompressedLines:    c.compressed,
		AvgEncodeDuration:  time.Duration(c.encodeDurations.mean()),
		AvgDecodeDuration:  time.Duration(c.decodeDurations.mean()),
		AvgOriginalBytes:   c.originalBytes.mean(),
		AvgFinalBytes:      c.finalBytes.mean(),
		AvgCompressionRate: c.compressionRate.mean(),
	}
}
