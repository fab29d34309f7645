package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"github.com/mattjoyce/fleet-agent/internal/execution"
	"github.com/mattjoyce/fleet-agent/internal/state"
)

const defaultEndpoint = "http://127.0.0.1:8080"

// theme keeps the listing colors in one place.
type theme struct {
	completed lipgloss.Style
	running   lipgloss.Style
	failed    lipgloss.Style
	pending   lipgloss.Style
	header    lipgloss.Style
	dim       lipgloss.Style
}

func newTheme() theme {
	return theme{
		completed: lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		running:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		pending:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
		dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	}
}

func (t theme) status(s state.Status) lipgloss.Style {
	switch s {
	case state.StatusCompleted:
		return t.completed
	case state.StatusRunning:
		return t.running
	case state.StatusFailed:
		return t.failed
	default:
		return t.pending
	}
}

func runExecutionsList(args []string, out io.Writer) int {
	var configPath, endpoint string
	var jsonOut bool

	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	fs.StringVarP(&configPath, "config", "c", "", "Read the API endpoint from this config")
	fs.StringVar(&endpoint, "endpoint", "", "Agent API endpoint (default from config, else "+defaultEndpoint+")")
	fs.BoolVar(&jsonOut, "json", false, "Output raw JSON")
	if code, done := parseFlags(fs, args); done {
		return code
	}

	if endpoint == "" {
		endpoint = defaultEndpoint
		if cfg, err := loadConfigForTool(configPath); err == nil {
			endpoint = cfg.API.Endpoint
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	list, err := fetchExecutions(ctx, http.DefaultClient, endpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list executions: %v\n", err)
		return 1
	}

	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(list); err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprint(out, renderExecutions(list, newTheme()))
	return 0
}

func fetchExecutions(ctx context.Context, client *http.Client, endpoint string) ([]execution.Summary, error) {
	url := strings.TrimRight(endpoint, "/") + "/executions"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s: %s %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	var list []execution.Summary
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode executions: %w", err)
	}
	return list, nil
}

func renderExecutions(list []execution.Summary, t theme) string {
	if len(list) == 0 {
		return t.dim.Render("No executions.") + "\n"
	}

	headers := []string{"DATASET", "PROJECT", "STATUS", "JOB", "ELAPSED", "CREATED"}
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		rows = append(rows, []string{
			s.DatasetID,
			s.ProjectID,
			string(s.Status),
			dash(s.NativeJobID),
			(time.Duration(s.ElapsedSeconds) * time.Second).String(),
			s.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(t.header.Width(widths[i] + 2).Render(h))
	}
	b.WriteString("\n")
	for r, row := range rows {
		for i, cell := range row {
			style := lipgloss.NewStyle()
			if i == 2 {
				style = t.status(list[r].Status)
			}
			b.WriteString(style.Width(widths[i] + 2).Render(cell))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
