package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/loykin/dmxshell/pkg/client"
)

func renderStatus(st client.StatusResponse, format string) (string, error) {
	switch strings.ToLower(format) {
	case "", "table":
		return renderStatusTable(st), nil
	case "json":
		b, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	case "yaml", "yml":
		b, err := yaml.Marshal(st)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(b), "\n"), nil
	}
	return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
}

func renderStatusTable(st client.StatusResponse) string {
	var b strings.Builder
	sh := st.Shell
	fmt.Fprintf(&b, "Backend: %s (generation %d", sh.State, sh.Generation)
	if sh.Attempt > 0 {
		fmt.Fprintf(&b, ", attempt %d", sh.Attempt)
	}
	if sh.PID > 0 {
		fmt.Fprintf(&b, ", pid %d", sh.PID)
	}
	b.WriteString(")\n")
	if sh.Tooltip != "" {
		fmt.Fprintf(&b, "Tooltip: %s\n", sh.Tooltip)
	}
	if sh.LastError != "" {
		fmt.Fprintf(&b, "Error:   %s\n", sh.LastError)
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Gen", "Run ID", "PID", "Process", "Readiness", "Attempt", "Current"})
	for _, r := range st.Runs {
		pid, state := "-", "-"
		if r.Process != nil {
			if r.Process.PID > 0 {
				pid = strconv.Itoa(r.Process.PID)
			}
			state = r.Process.State
		}
		readiness := r.Readiness.Phase
		if r.Readiness.Reason != "" {
			readiness += ": " + r.Readiness.Reason
		}
		current := ""
		if r.Generation == sh.Generation {
			current = "*"
		}
		tw.AppendRow(table.Row{r.Generation, shortID(r.RunID), pid, state, readiness, r.Readiness.Attempt, current})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 5, WidthMax: 60},
	})
	b.WriteString(tw.Render())
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatEvent(e client.Event) string {
	ts := e.At.Format("15:04:05.000")
	switch e.Kind {
	case "emit":
		if line, ok := e.Payload.(map[string]any); ok {
			return fmt.Sprintf("%s %s [%v] %v", ts, e.Name, line["stream"], line["text"])
		}
		if e.Payload == nil {
			return fmt.Sprintf("%s %s", ts, e.Name)
		}
		return fmt.Sprintf("%s %s %v", ts, e.Name, e.Payload)
	case "notify", "dialog":
		return fmt.Sprintf("%s %s %q: %s", ts, e.Kind, e.Title, e.Text)
	case "tooltip":
		return fmt.Sprintf("%s tooltip %s", ts, e.Text)
	case "exit":
		return fmt.Sprintf("%s exit %d", ts, e.Code)
	}
	return fmt.Sprintf("%s %s", ts, e.Kind)
}
