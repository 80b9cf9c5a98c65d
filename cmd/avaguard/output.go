package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/vyrodovalexey/avaguard/internal/cluster"
	"github.com/vyrodovalexey/avaguard/internal/ratelimit"
)

// Output formats.
const (
	formatTable = "table"
	formatJSON  = "json"
)

func parseFormat(s string) (string, error) {
	switch s {
	case formatTable, formatJSON:
		return s, nil
	case "":
		return formatTable, nil
	}
	return "", fmt.Errorf("unsupported output format: %s", s)
}

func writeJSON(w io.Writer, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(payload))
	return err
}

// renderNodes renders a cluster snapshot as a table.
func renderNodes(snap cluster.Snapshot) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Address", "Role", "Health", "Latency", "Errors", "Last Check"})

	for _, n := range snap.Nodes {
		t.AppendRow(table.Row{
			n.ID,
			fmt.Sprintf("%s:%d", n.Host, n.Port),
			n.Role,
			n.Health,
			fmt.Sprintf("%.2fms", n.LatencyMs),
			n.ConsecutiveErrors,
			formatTime(n.LastCheck),
		})
	}
	t.AppendFooter(table.Row{
		"", "", "", string(snap.Status), "", "", "v" + strconv.FormatUint(snap.TopologyVersion, 10),
	})
	return t.Render()
}

// renderDecisions renders admission decisions, one row per attempt.
func renderDecisions(decisions []ratelimit.Decision) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "Allowed", "Remaining", "Limit", "Retry After", "Reason", "Node"})

	allowed := 0
	for i, d := range decisions {
		if d.Allowed {
			allowed++
		}
		reason := d.Reason
		switch {
		case d.FailOpen:
			reason = "fail open"
		case reason == "" && d.Degraded:
			reason = "degraded"
		case reason == "":
			reason = "-"
		}
		retry := "-"
		if !d.Allowed {
			retry = strconv.Itoa(d.RetryAfterSeconds()) + "s"
		}
		node := d.Node
		if node == "" {
			node = "local"
		}
		t.AppendRow(table.Row{i + 1, d.Allowed, d.Remaining, d.Limit, retry, reason, node})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d/%d", allowed, len(decisions)), "", "", "", "", ""})
	return t.Render()
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "never"
	}
	return ts.UTC().Format(time.RFC3339)
}
