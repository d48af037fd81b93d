package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bc-dunia/preforkd/internal/admin"
	"github.com/bc-dunia/preforkd/internal/types"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:9901", "Admin API base URL")
	token := flag.String("token", "", "Admin token (defaults to PREFORKD_ADMIN_TOKEN)")
	timeout := flag.Duration("timeout", 10*time.Second, "Per-request timeout")
	limit := flag.Int("limit", 20, "Event count for the events command")
	mode := flag.String("mode", "graceful", "Stop mode: graceful or immediate")
	jsonOut := flag.Bool("json", false, "Print raw JSON instead of formatted output")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)

	if *token == "" {
		*token = os.Getenv("PREFORKD_ADMIN_TOKEN")
	}

	cfg := admin.DefaultClientConfig(*addr)
	cfg.Token = *token
	cfg.Timeout = *timeout
	client := admin.NewClient(cfg)

	ctx := context.Background()

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(ctx, client, *jsonOut)
	case "workers":
		err = cmdWorkers(ctx, client, *jsonOut)
	case "events":
		err = cmdEvents(ctx, client, *limit, *jsonOut)
	case "metrics":
		err = cmdMetrics(ctx, client)
	case "reload":
		err = cmdReload(ctx, client)
	case "stop":
		err = cmdStop(ctx, client, *mode)
	case "health":
		err = cmdHealth(ctx, client)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: preforkctl [flags] <command>

Commands:
  status    Show pool state, counters and the worker table
  workers   Show the worker table
  events    Show recent lifecycle events
  metrics   Dump Prometheus metrics
  reload    Roll the pool onto a fresh worker generation
  stop      Stop the server (graceful unless -mode=immediate)
  health    Check liveness and readiness

Flags:
`)
	flag.PrintDefaults()
}

func cmdStatus(ctx context.Context, client *admin.Client, jsonOut bool) error {
	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(st)
	}

	fmt.Printf("State:      %s\n", st.State)
	fmt.Printf("Bind:       %s\n", st.BindAddr)
	fmt.Printf("Generation: %d\n", st.Generation)
	fmt.Printf("Uptime:     %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
	c := st.Counters
	fmt.Printf("Counters:   accepted=%d served=%d timeouts=%d crashes=%d recycles=%d respawns=%d\n",
		c.AcceptedConns, c.RequestsServed, c.Timeouts, c.Crashes, c.Recycles, c.Respawns)
	if p := st.Process; p != nil {
		fmt.Printf("Process:    pid=%d cpu=%.1f%% rss=%.1fMB fds=%d goroutines=%d\n",
			p.PID, p.CPUPercent, float64(p.MemRSS)/(1<<20), p.NumFDs, p.NumGoroutine)
	}
	fmt.Println()
	printWorkerTable(st.Workers)
	return nil
}

func cmdWorkers(ctx context.Context, client *admin.Client, jsonOut bool) error {
	resp, err := client.Workers(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(resp)
	}
	fmt.Printf("Generation: %d\n\n", resp.Generation)
	printWorkerTable(resp.Workers)
	return nil
}

func cmdEvents(ctx context.Context, client *admin.Client, limit int, jsonOut bool) error {
	resp, err := client.Events(ctx, limit)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(resp)
	}
	for _, e := range resp.Events {
		line := fmt.Sprintf("%s  %-18s slot=%d", e.Time.Local().Format("15:04:05.000"), e.Type, e.Slot)
		if e.WorkerID != "" {
			line += " " + e.WorkerID
		}
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		fmt.Println(line)
	}
	fmt.Printf("(%d shown, %d recorded)\n", len(resp.Events), resp.Total)
	return nil
}

func cmdMetrics(ctx context.Context, client *admin.Client) error {
	text, err := client.Metrics(ctx)
	if err != nil {
		return err
	}
	fmt.Print(text)
	return nil
}

func cmdReload(ctx context.Context, client *admin.Client) error {
	if _, err := client.Reload(ctx); err != nil {
		return err
	}
	st, err := client.Status(ctx)
	if err != nil {
		fmt.Println("Reload complete")
		return nil
	}
	fmt.Printf("Reload complete: pool now on generation %d\n", st.Generation)
	return nil
}

func cmdStop(ctx context.Context, client *admin.Client, mode string) error {
	if mode != "graceful" && mode != "immediate" {
		return fmt.Errorf("invalid mode %q (want graceful or immediate)", mode)
	}
	resp, err := client.Stop(ctx, mode)
	if err != nil {
		return err
	}
	fmt.Printf("Server %s (%s)\n", resp.Status, mode)
	return nil
}

func cmdHealth(ctx context.Context, client *admin.Client) error {
	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("liveness: %w", err)
	}
	fmt.Println("liveness:  ok")

	ready, err := client.Ready(ctx)
	if err != nil {
		return fmt.Errorf("readiness: %w", err)
	}
	fmt.Printf("readiness: %s (state=%s)\n", ready.Status, ready.State)
	return nil
}

func printWorkerTable(workers []types.WorkerStatus) {
	fmt.Printf("%-14s %4s %4s %-8s %8s  %s\n", "ID", "SLOT", "GEN", "STATE", "SERVED", "STARTED")
	for _, w := range workers {
		fmt.Printf("%-14s %4d %4d %-8s %8d  %s\n",
			w.ID, w.Slot, w.Generation, w.State, w.RequestsServed,
			w.StartedAt.Local().Format("15:04:05"))
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
