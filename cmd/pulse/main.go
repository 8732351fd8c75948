package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsedaemon/pulse/internal/config"
	"github.com/pulsedaemon/pulse/internal/daemon"
	"github.com/pulsedaemon/pulse/internal/server"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pulse",
		Short: "Initiative daemon for LLM agents",
		Long:  "Pulse — drives, pressure, and self-initiated turns.\nA daemon that accumulates drive pressure on the agent's behalf and wakes it when something deserves attention.",
	}

	var configFile string
	var addr string

	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "Daemon API address (default: 127.0.0.1:9719)")

	// ─── start ───
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Pulse daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, addr)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: pulse.yaml, ~/.pulse/pulse.yaml)")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter pulse.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and drive summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(addr)
		},
	}

	// ─── state ───
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Dump the full daemon state as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(addr, "/state")
		},
	}

	// ─── trigger ───
	var triggerDrive, triggerReason string
	triggerCmd := &cobra.Command{
		Use:   "trigger",
		Short: "Force a turn now (subject to cooldown and turn budget)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(addr, triggerDrive, triggerReason)
		},
	}
	triggerCmd.Flags().StringVar(&triggerDrive, "drive", "", "Drive to attribute the turn to (default: top drive)")
	triggerCmd.Flags().StringVar(&triggerReason, "reason", "", "Reason forwarded to the agent")

	// ─── feedback ───
	var feedbackTrigger, feedbackSummary string
	var feedbackDrives []string
	feedbackCmd := &cobra.Command{
		Use:   "feedback [success|partial|failure|ignored]",
		Short: "Report the outcome of a dispatched turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeedback(addr, args[0], feedbackTrigger, feedbackSummary, feedbackDrives)
		},
	}
	feedbackCmd.Flags().StringVar(&feedbackTrigger, "trigger", "", "Trigger ID the feedback addresses")
	feedbackCmd.Flags().StringSliceVar(&feedbackDrives, "drive", nil, "Drives the turn addressed (default: from trigger ID)")
	feedbackCmd.Flags().StringVar(&feedbackSummary, "summary", "", "Free-form summary archived with the outcome")

	// ─── mutate ───
	mutateCmd := &cobra.Command{
		Use:   "mutate [json]",
		Short: "Submit a mutation (kind + params as JSON)",
		Long: `Submit a self-modification, e.g.:
  pulse mutate '{"kind":"adjust_weight","params":{"drive":"curiosity","delta":0.1},"reason":"curiosity pays off"}'`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutate(addr, args[0])
		},
	}

	// ─── mutations ───
	var historyN int
	mutationsCmd := &cobra.Command{
		Use:   "mutations",
		Short: "Show the mutation audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(addr, fmt.Sprintf("/mutations?n=%d", historyN))
		},
	}
	mutationsCmd.Flags().IntVarP(&historyN, "limit", "n", 20, "Number of entries")

	// ─── history ───
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent triggers and feedback",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(addr, historyN)
		},
	}
	historyCmd.Flags().IntVarP(&historyN, "limit", "n", 20, "Number of entries")

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Pulse %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(startCmd, initCmd, statusCmd, stateCmd, triggerCmd,
		feedbackCmd, mutateCmd, mutationsCmd, historyCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runStart(configFile, addr string) error {
	cfgLoader := config.NewLoader()
	if err := cfgLoader.Resolve(configFile); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgLoader.Get()
	if addr != "" {
		cfg.Daemon.ListenAddr = addr
	}

	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Daemon.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	if path := cfgLoader.FilePath(); path != "" {
		logger.Info("config loaded", "path", path)
	} else {
		logger.Info("no config file found, running on defaults")
	}

	server.Version = version

	d, err := daemon.New(cfgLoader, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}

func runInit() error {
	configPath := "pulse.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
		return nil
	}
	if err := config.GenerateDefault(configPath); err != nil {
		return err
	}
	fmt.Printf("  ✓ Generated %s\n", configPath)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    edit pulse.yaml                  # point agent.webhook_url at your agent")
	fmt.Println("    pulse start                      # start the daemon")
	fmt.Println("    pulse status                     # check drives and pressure")
	return nil
}

func runStatus(addr string) error {
	var health map[string]any
	if err := getJSON(addr, "/health", &health); err != nil {
		fmt.Printf("Pulse is not running on %s\n", resolveAddr(addr))
		return nil
	}
	var state server.StateSnapshot
	if err := getJSON(addr, "/state", &state); err != nil {
		return err
	}

	fmt.Println("Pulse Status")
	fmt.Println("────────────")
	fmt.Printf("  %-20s %v\n", "version:", health["version"])
	fmt.Printf("  %-20s %v\n", "uptime_seconds:", health["uptime_seconds"])
	fmt.Printf("  %-20s %v (degraded: %v)\n", "evaluator:", health["evaluator"], health["degraded"])
	fmt.Printf("  %-20s %.2f / %.2f threshold\n", "total pressure:", state.TotalPressure, state.TriggerThreshold)
	fmt.Printf("  %-20s %d/%d this hour\n", "turns:", state.TurnsInWindow, state.MaxTurnsPerHour)
	if state.Alert != "" {
		fmt.Printf("  %-20s %s\n", "ALERT:", state.Alert)
	}
	fmt.Println()
	fmt.Printf("%-15s %10s %8s %10s %9s\n", "DRIVE", "PRESSURE", "WEIGHT", "WEIGHTED", "TRIGGERS")
	fmt.Println(strings.Repeat("─", 56))
	for _, d := range state.Drives {
		fmt.Printf("%-15s %10.2f %8.2f %10.2f %4d/%d\n",
			d.Name, d.Pressure, d.Weight, d.Weighted, d.Successes, d.Triggers)
	}
	if state.LastTrigger != nil {
		fmt.Println()
		fmt.Printf("Last trigger: %s (%s) — %s at %s\n",
			state.LastTrigger.Drive, state.LastTrigger.Status, state.LastTrigger.Reason,
			time.Unix(state.LastTrigger.Timestamp, 0).Format(time.RFC3339))
	}
	return nil
}

func runTrigger(addr, drive, reason string) error {
	body, status, err := postJSON(addr, "/trigger", server.TriggerRequest{Drive: drive, Reason: reason})
	if err != nil {
		return fmt.Errorf("failed to connect to Pulse: %w", err)
	}
	switch status {
	case http.StatusOK:
		fmt.Printf("✓ Turn dispatched (%v)\n", body["id"])
	case http.StatusTooManyRequests:
		fmt.Printf("✗ Held: %v\n", body["reason"])
	default:
		fmt.Printf("✗ Dispatch failed (HTTP %d): %v\n", status, body["reason"])
	}
	return nil
}

func runFeedback(addr, outcome, triggerID, summary string, drives []string) error {
	body, status, err := postJSON(addr, "/feedback", server.FeedbackRequest{
		Outcome:         outcome,
		TriggerID:       triggerID,
		Summary:         summary,
		DrivesAddressed: drives,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Pulse: %w", err)
	}
	if status != http.StatusOK {
		fmt.Printf("✗ Feedback rejected (HTTP %d): %v\n", status, body["error"])
		return nil
	}
	fmt.Printf("✓ Recorded %s for %v\n", outcome, body["drives_addressed"])
	return nil
}

func runMutate(addr, raw string) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return fmt.Errorf("mutation must be a JSON object: %w", err)
	}
	body, status, err := postJSON(addr, "/mutations", payload)
	if err != nil {
		return fmt.Errorf("failed to connect to Pulse: %w", err)
	}
	if status == http.StatusOK {
		fmt.Printf("✓ Applied %v (%v → %v)\n", body["id"], body["before"], body["after"])
	} else {
		fmt.Printf("✗ Rejected by %v: %v\n", body["rule"], body["reason"])
	}
	return nil
}

func runHistory(addr string, n int) error {
	var out struct {
		Triggers []map[string]any `json:"triggers"`
		Feedback []map[string]any `json:"feedback"`
	}
	if err := getJSON(addr, fmt.Sprintf("/history?n=%d", n), &out); err != nil {
		return fmt.Errorf("failed to connect to Pulse: %w", err)
	}
	if len(out.Triggers) == 0 {
		fmt.Println("No triggers recorded.")
		return nil
	}
	fmt.Printf("%-28s %-12s %-10s %s\n", "TIME", "DRIVE", "STATUS", "REASON")
	fmt.Println(strings.Repeat("─", 80))
	for _, t := range out.Triggers {
		ts, _ := t["timestamp"].(float64)
		fmt.Printf("%-28s %-12v %-10v %v\n",
			time.Unix(int64(ts), 0).Format(time.RFC3339), t["drive"], t["status"],
			truncate(str(t["reason"]), 35))
	}
	if len(out.Feedback) > 0 {
		fmt.Println()
		fmt.Printf("%-28s %-10s %s\n", "TIME", "OUTCOME", "TRIGGER")
		fmt.Println(strings.Repeat("─", 60))
		for _, f := range out.Feedback {
			ts, _ := f["timestamp"].(float64)
			fmt.Printf("%-28s %-10v %v\n",
				time.Unix(int64(ts), 0).Format(time.RFC3339), f["outcome"], f["trigger_id"])
		}
	}
	return nil
}

// --- HTTP helpers ---

func resolveAddr(addr string) string {
	if addr == "" {
		return "127.0.0.1:9719"
	}
	return addr
}

func getAndPrint(addr, path string) error {
	var out map[string]any
	if err := getJSON(addr, path, &out); err != nil {
		return fmt.Errorf("failed to connect to Pulse: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func getJSON(addr, path string, out any) error {
	resp, err := http.Get("http://" + resolveAddr(addr) + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(addr, path string, payload any) (map[string]any, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	resp, err := http.Post("http://"+resolveAddr(addr)+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return body, resp.StatusCode, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
