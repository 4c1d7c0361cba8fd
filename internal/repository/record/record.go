// Package record encodes metric entries as self-delimiting, checksummed lines.
//
// A record is "<crc32c as 8 hex digits> <json>\n". The JSON object lists the entry
// fields in a fixed order: timestamp, correlation_id, process_model_id,
// flow_node_instance_id, flow_node_id, measurement_point, error, token_snapshot.
// JSON encoding escapes raw newlines, so the trailing newline always ends a record.
package record

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/splax/flowmetrics/internal/domain"
)

const checksumLen = 8

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var (
	// ErrChecksum indicates the payload does not match its checksum.
	ErrChecksum = errors.New("record: checksum mismatch")
	// ErrMalformed indicates the record framing is broken.
	ErrMalformed = errors.New("record: malformed record")
)

type payload struct {
	Timestamp          time.Time         `json:"timestamp"`
	CorrelationID      string            `json:"correlation_id"`
	ProcessModelID     string            `json:"process_model_id"`
	FlowNodeInstanceID string            `json:"flow_node_instance_id,omitempty"`
	FlowNodeID         string            `json:"flow_node_id,omitempty"`
	MeasurementPoint   string            `json:"measurement_point"`
	Error              *domain.ErrorInfo `json:"error,omitempty"`
	TokenSnapshot      json.RawMessage   `json:"token_snapshot,omitempty"`
}

// Encode renders entry as one newline-terminated record.
func Encode(entry domain.MetricEntry) ([]byte, error) {
	// Token snapshots are stored byte for byte, so HTML escaping stays off.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(payload{
		Timestamp:          entry.Timestamp(),
		CorrelationID:      entry.CorrelationID(),
		ProcessModelID:     entry.ProcessModelID(),
		FlowNodeInstanceID: entry.FlowNodeInstanceID(),
		FlowNodeID:         entry.FlowNodeID(),
		MeasurementPoint:   entry.MeasurementPoint().String(),
		Error:              entry.ErrorInfo(),
		TokenSnapshot:      entry.TokenSnapshot(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode metric entry: %w", err)
	}
	body := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	out := make([]byte, 0, checksumLen+1+len(body)+1)
	out = fmt.Appendf(out, "%08x ", crc32.Checksum(body, castagnoli))
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}

// Decode parses a single record. A trailing newline is optional.
func Decode(line []byte) (domain.MetricEntry, error) {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	if len(line) < checksumLen+2 || line[checksumLen] != ' ' {
		return domain.MetricEntry{}, ErrMalformed
	}
	want, err := hex.DecodeString(string(line[:checksumLen]))
	if err != nil {
		return domain.MetricEntry{}, fmt.Errorf("%w: checksum is not hex", ErrMalformed)
	}
	body := line[checksumLen+1:]
	got := crc32.Checksum(body, castagnoli)
	if binary.BigEndian.Uint32(want) != got {
		return domain.MetricEntry{}, ErrChecksum
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.MetricEntry{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	point, err := domain.ParseMeasurementPoint(p.MeasurementPoint)
	if err != nil {
		return domain.MetricEntry{}, err
	}
	return domain.NewMetricEntry(domain.MetricEntryParams{
		Timestamp:          p.Timestamp,
		CorrelationID:      p.CorrelationID,
		ProcessModelID:     p.ProcessModelID,
		FlowNodeInstanceID: p.FlowNodeInstanceID,
		FlowNodeID:         p.FlowNodeID,
		MeasurementPoint:   point,
		Error:              p.Error,
		TokenSnapshot:      p.TokenSnapshot,
	})
}

// Damage locates a record that failed to decode within a stream.
type Damage struct {
	Offset int64
	Err    error
}

// ReadAll decodes every record in r. Damaged records are skipped and reported.
// Bytes after the last newline form an unterminated record and are reported as damage.
// The context is checked between records.
func ReadAll(ctx context.Context, r io.Reader) ([]domain.MetricEntry, []Damage, error) {
	reader := bufio.NewReader(r)
	entries := make([]domain.MetricEntry, 0)
	var (
		damaged []Damage
		offset  int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			switch {
			case line[len(line)-1] != '\n':
				damaged = append(damaged, Damage{Offset: offset, Err: fmt.Errorf("%w: unterminated record", ErrMalformed)})
			default:
				entry, decodeErr := Decode(line)
				if decodeErr != nil {
					damaged = append(damaged, Damage{Offset: offset, Err: decodeErr})
				} else {
					entries = append(entries, entry)
				}
			}
			offset += int64(len(line))
		}
		if errors.Is(err, io.EOF) {
			return entries, damaged, nil
		}
		if err != nil {
			return nil, nil, err
		}
	}
}
