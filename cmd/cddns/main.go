package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"cddns/internal/app"
	"cddns/internal/config"
	"cddns/internal/ddns"
	"cddns/internal/ip"
	"cddns/internal/ipc"
	"cddns/internal/provider"
	"cddns/internal/state"
	"cddns/pkg/logx"
)

const usage = `usage: cddns [command]

commands:
  run      reconcile once and exit (default)
  service  run the background service
  status   show the running service's state
  trigger  ask the service for an immediate update
  watch    stream service events until interrupted
  stop     shut the service down
  ping     check the service is reachable
`

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runOnce(args)
	case "service":
		err = runService(args)
	case "status":
		err = runStatus(args)
	case "trigger":
		err = clientCommand(args, func(c *ipc.Client) error {
			if err := c.TriggerUpdate(); err != nil {
				return err
			}
			fmt.Println("update triggered")
			return nil
		})
	case "stop":
		err = clientCommand(args, func(c *ipc.Client) error {
			if err := c.Stop(); err != nil {
				return err
			}
			fmt.Println("service stopping")
			return nil
		})
	case "ping":
		err = clientCommand(args, func(c *ipc.Client) error {
			if err := c.Ping(); err != nil {
				return err
			}
			fmt.Println("pong")
			return nil
		})
	case "watch":
		err = runWatch(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runOnce(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultPath(), "path to config file")
	dryRun := fs.Bool("dry-run", false, "decide but do not write")
	verbose := fs.Bool("verbose", false, "debug logging")

	// record override: build a one-record config from flags alone
	token := fs.String("token", "", "api token (overrides config)")
	zone := fs.String("zone", "", "zone name for a single-record run")
	name := fs.String("record", "", "record name for a single-record run")
	rtype := fs.String("type", "A", "record type, A or AAAA")
	proxied := fs.Bool("proxied", false, "proxy the record")
	ttl := fs.Int("ttl", config.DefaultTTL, "record ttl, 1 for automatic")
	forceIP := fs.String("force-ip", "", "skip detection and use this address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	log := logx.NewConsole(level)

	var cfg *config.Config
	if *zone != "" {
		rt, err := config.ParseRecordType(*rtype)
		if err != nil {
			return err
		}
		cfg, err = config.FromArgs(*token, *zone, *name, rt, *proxied, *ttl, *forceIP)
		if err != nil {
			return err
		}
	} else {
		var err error
		cfg, err = config.NewManager(*cfgPath).Load()
		if err != nil {
			return err
		}
	}
	if *dryRun {
		cfg.Service.DryRun = true
	}

	client := &http.Client{Timeout: 15 * time.Second}
	det, err := ip.FromSettings(cfg.Settings, client)
	if err != nil {
		return err
	}
	prov, err := provider.NewCloudflare(cfg.Cloudflare.APIToken)
	if err != nil {
		return err
	}
	detectTimeout, err := config.ParseDurationOrDefault("settings.detect_timeout", cfg.Settings.DetectTimeout, 0)
	if err != nil {
		return err
	}
	providerTimeout, err := config.ParseDurationOrDefault("settings.provider_timeout", cfg.Settings.ProviderTimeout, 0)
	if err != nil {
		return err
	}

	recon := ddns.New(det, prov, ddns.Options{
		DryRun:          cfg.Service.DryRun,
		DetectTimeout:   detectTimeout,
		ProviderTimeout: providerTimeout,
	}, log.With(logx.String("comp", "ddns")))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	results := recon.Reconcile(ctx, cfg.Records)
	failed := 0
	for _, r := range results {
		fmt.Println(formatResult(r, cfg.Service.DryRun))
		if r.Action == ddns.ActionFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d records failed", failed, len(results))
	}
	return nil
}

func runService(args []string) error {
	fs := flag.NewFlagSet("service", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultPath(), "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := app.New(*cfgPath)
	if err != nil {
		return err
	}
	return a.Run(context.Background())
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print the raw snapshot as json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := ipc.Dial(ipc.SocketPath())
	if err != nil {
		return err
	}
	defer c.Close()

	snap, err := c.GetStatus()
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	printSnapshot(snap)
	return nil
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := ipc.DialRetry(ctx, ipc.SocketPath())
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Subscribe(); err != nil {
		return err
	}
	fmt.Println("watching; ctrl-c to stop")

	go func() {
		<-ctx.Done()
		c.Close() // unblocks Next
	}()

	for {
		msg, err := c.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch msg.Type {
		case ipc.TypeSnapshot:
			var snap state.Snapshot
			if err := msg.DecodePayload(&snap); err != nil {
				continue
			}
			fmt.Printf("--- tick finished %s ---\n", snap.LastTickFinished.Format(time.RFC3339))
			printRecords(snap)
		case ipc.TypeLog:
			var p ipc.LogPayload
			if err := msg.DecodePayload(&p); err != nil {
				continue
			}
			fmt.Printf("%s %-5s %s\n", p.Time.Format("15:04:05"), p.Level, p.Message)
		}
	}
}

func clientCommand(args []string, fn func(*ipc.Client) error) error {
	fs := flag.NewFlagSet("ipc", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := ipc.Dial(ipc.SocketPath())
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func formatResult(r ddns.Result, dryRun bool) string {
	prefix := ""
	if dryRun {
		prefix = "[dry-run] "
	}
	switch r.Action {
	case ddns.ActionUpdated:
		if r.Previous == "" {
			return fmt.Sprintf("%s%s %s: created → %s", prefix, r.Name, r.Type, r.New)
		}
		return fmt.Sprintf("%s%s %s: %s → %s", prefix, r.Name, r.Type, r.Previous, r.New)
	case ddns.ActionNoChange:
		return fmt.Sprintf("%s%s %s: unchanged (%s)", prefix, r.Name, r.Type, r.Previous)
	default:
		return fmt.Sprintf("%s%s %s: failed: %s", prefix, r.Name, r.Type, r.Error)
	}
}

func printSnapshot(snap state.Snapshot) {
	fmt.Printf("status:     %s\n", snap.Status)
	fmt.Printf("schedule:   %s\n", snap.Schedule)
	if snap.DryRun {
		fmt.Printf("dry-run:    on\n")
	}
	fmt.Printf("records:    %d\n", snap.RecordCount)
	if snap.CurrentIPv4 != "" {
		fmt.Printf("ipv4:       %s\n", snap.CurrentIPv4)
	}
	if snap.CurrentIPv6 != "" {
		fmt.Printf("ipv6:       %s\n", snap.CurrentIPv6)
	}
	if !snap.LastTickFinished.IsZero() {
		fmt.Printf("last tick:  %s\n", snap.LastTickFinished.Format(time.RFC3339))
	}
	if !snap.NextRun.IsZero() {
		fmt.Printf("next run:   %s\n", snap.NextRun.Format(time.RFC3339))
	}
	printRecords(snap)
}

func printRecords(snap state.Snapshot) {
	keys := make([]string, 0, len(snap.Records))
	for k := range snap.Records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Println("  " + formatResult(snap.Records[k], false))
	}
}
