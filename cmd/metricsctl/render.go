package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/splax/flowmetrics/internal/service/metrics"
)

type row struct {
	timestamp          time.Time
	correlationID      string
	measurementPoint   string
	flowNodeID         string
	flowNodeInstanceID string
	errorMessage       string
}

func payloadRows(entries []metrics.EntryPayload) []row {
	rows := make([]row, 0, len(entries))
	for _, e := range entries {
		ts, _ := time.Parse(time.RFC3339Nano, e.Timestamp)
		r := row{
			timestamp:          ts,
			correlationID:      e.CorrelationID,
			measurementPoint:   e.MeasurementPoint,
			flowNodeID:         e.FlowNodeID,
			flowNodeInstanceID: e.FlowNodeInstanceID,
		}
		if e.Error != nil {
			r.errorMessage = e.Error.Message
		}
		rows = append(rows, r)
	}
	return rows
}

func writeTable(w io.Writer, rows []row) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tCORRELATION\tPOINT\tFLOW NODE\tINSTANCE\tERROR")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.timestamp.UTC().Format(time.RFC3339Nano),
			r.correlationID,
			r.measurementPoint,
			dash(r.flowNodeID),
			dash(r.flowNodeInstanceID),
			dash(r.errorMessage),
		)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
