package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/supervisor/internal/supervisor"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker pool status",
	Long:  `Query /health of a running supervisor and display workers, crashes and session distribution.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("url", "http://127.0.0.1:8000", "Supervisor URL")
	statusCmd.Flags().String("format", "table", "Output format (table, json, yaml)")
	statusCmd.Flags().Bool("watch", false, "Refresh until interrupted")
	statusCmd.Flags().Duration("interval", 2*time.Second, "Watch interval")
}

func runStatus(cmd *cobra.Command, args []string) error {
	baseURL, _ := cmd.Flags().GetString("url")
	format, _ := cmd.Flags().GetString("format")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	switch format {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	out := cmd.OutOrStdout()
	client := &http.Client{Timeout: 5 * time.Second}

	if !watch {
		return displayStatus(cmd.Context(), out, client, baseURL, format)
	}

	ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// Clear screen (ANSI escape code)
		fmt.Fprint(out, "\033[H\033[2J")
		if err := displayStatus(ctx, out, client, baseURL, format); err != nil {
			fmt.Fprintln(out, "Error:", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func displayStatus(ctx context.Context, out io.Writer, client *http.Client, baseURL, format string) error {
	status, err := fetchStatus(contextOrBackground(ctx), client, baseURL)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(status)
	default:
		displayTable(out, status, time.Now())
		return nil
	}
}

func fetchStatus(ctx context.Context, client *http.Client, baseURL string) (*supervisor.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/health", nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supervisor returned status %d", resp.StatusCode)
	}

	var status supervisor.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("invalid status response: %w", err)
	}

	return &status, nil
}

func displayTable(out io.Writer, status *supervisor.Status, now time.Time) {
	fmt.Fprintf(out, "Supervisor Status - %s\n\n", now.Format("2006-01-02 15:04:05"))

	fmt.Fprintln(out, "Overview:")
	fmt.Fprintf(out, "  Status           : %s\n", status.Status)
	fmt.Fprintf(out, "  Workers          : %d active / %d total\n", status.ActiveWorkers, status.TotalWorkers)
	if len(status.CrashedWorkers) > 0 {
		ports := make([]string, len(status.CrashedWorkers))
		for i, port := range status.CrashedWorkers {
			ports[i] = fmt.Sprint(port)
		}
		fmt.Fprintf(out, "  Crashed          : %s\n", strings.Join(ports, ", "))
	}
	fmt.Fprintf(out, "  Sessions         : %s\n", humanize.Comma(int64(status.TotalSessions)))

	if len(status.SessionDistribution) == 0 {
		return
	}

	ports := make([]int, 0, len(status.SessionDistribution))
	for port := range status.SessionDistribution {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	crashed := make(map[int]bool, len(status.CrashedWorkers))
	for _, port := range status.CrashedWorkers {
		crashed[port] = true
	}

	fmt.Fprintln(out, "\nWorkers:")
	for _, port := range ports {
		state := "active"
		if crashed[port] {
			state = "crashed"
		}
		count := status.SessionDistribution[port]
		share := 0.0
		if status.TotalSessions > 0 {
			share = float64(count) / float64(status.TotalSessions) * 100
		}
		fmt.Fprintf(out, "  - %-5d %-8s sessions=%s (%s%%)\n",
			port, state, humanize.Comma(int64(count)), humanize.FormatFloat("#.#", share))
	}
}
