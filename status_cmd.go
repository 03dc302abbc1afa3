package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"encodeagent/api"
	"encodeagent/task"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running agent",
	RunE:  runStatus,
}

var (
	statusAddr  string
	statusToken string
)

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "agent address (default http://127.0.0.1:$PORT)")
	statusCmd.Flags().StringVar(&statusToken, "token", "", "bearer token (default $AUTH_KEY)")
}

var (
	accentColor  = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(10)

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

type statusClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *statusClient) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.base, "/")+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach agent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent returned %s for %s", resp.Status, path)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c := &statusClient{
		base:  statusAddr,
		token: statusToken,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
	if c.base == "" {
		c.base = "http://127.0.0.1:" + cfg.Port
	}
	if c.token == "" && cfg.AuthEnable {
		c.token = cfg.AuthKey
	}

	var st task.AgentStatus
	if err := c.get(cmd.Context(), "/api/v1/status", &st); err != nil {
		return err
	}
	var q api.QueueResponse
	if err := c.get(cmd.Context(), "/api/v1/queue", &q); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st, q))
	return nil
}

func renderStatus(st task.AgentStatus, q api.QueueResponse) string {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}

	state := lipgloss.NewStyle().Foreground(successColor).Render("running")
	switch {
	case st.Error != "":
		state = lipgloss.NewStyle().Foreground(errorColor).Render("error: " + st.Error)
	case !st.AgentActive:
		state = lipgloss.NewStyle().Foreground(errorColor).Render("stopped")
	case st.Paused:
		state = lipgloss.NewStyle().Foreground(warningColor).Render("paused")
	}
	row("Agent", state)

	if st.CurrentTask != nil {
		row("Task", st.CurrentTask.RelativePath)
		row("Progress", fmt.Sprintf("%.1f%%", st.Percent))
		if st.EncoderActive {
			row("Speed", fmt.Sprintf("%.1f fps (avg %.1f)", st.FPS, st.AvgFPS))
			eta := "unknown"
			if st.ETASeconds >= 0 {
				eta = (time.Duration(st.ETASeconds) * time.Second).String()
			}
			row("ETA", eta)
		}
	}
	if st.Comment != "" {
		row("Status", st.Comment)
	}

	b.WriteString("\n" + titleStyle.Render(fmt.Sprintf("Queued (%d)", len(q.QueuedTasks))) + "\n")
	if len(q.QueuedTasks) == 0 {
		b.WriteString(mutedStyle.Render("  nothing queued") + "\n")
	}
	for _, rel := range q.QueuedTasks {
		b.WriteString("  " + rel + "\n")
	}

	b.WriteString("\n" + titleStyle.Render("Recently finished") + "\n")
	if len(q.RecentlyFinishedTasks) == 0 {
		b.WriteString(mutedStyle.Render("  none") + "\n")
	}
	for _, e := range q.RecentlyFinishedTasks {
		color := successColor
		if e.Outcome != string(task.OutcomeSucceeded) {
			color = errorColor
		}
		outcome := lipgloss.NewStyle().Foreground(color).Width(10).Render(e.Outcome)
		b.WriteString("  " + outcome + e.RelativePath + mutedStyle.Render("  "+e.FinishedAt.Local().Format("2006-01-02 15:04")) + "\n")
	}

	return titleStyle.Render("encodeagent") + "\n" + panelStyle.Render(strings.TrimRight(b.String(), "\n"))
}
