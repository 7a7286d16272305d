package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/hibiken/asynq"

	"github.com/barops/cmv/cmd/cmvctl/cli"
	"github.com/barops/cmv/internal/app"
	"github.com/barops/cmv/internal/isoweek"
	"github.com/barops/cmv/internal/platform/db"
	"github.com/barops/cmv/internal/txstore"
	"github.com/barops/cmv/jobs"
	"github.com/barops/cmv/migrations"
)

const usage = `usage: cmvctl <command> [flags]

commands:
  enqueue   submit a recompute task (week, year or current)
  queue     show recompute queue depth
  audit     recompute weeks offline from a SQLite snapshot
  migrate   apply the Postgres schema`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1], os.Args[2:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, command string, args []string) int {
	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	switch command {
	case "enqueue":
		return enqueue(ctx, cfg, args)
	case "queue":
		return queue(cfg, args)
	case "audit":
		return audit(ctx, cfg, args)
	case "migrate":
		return migrate(ctx, cfg)
	default:
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
}

func redisOpts(cfg *app.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

func enqueue(ctx context.Context, cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	current := isoweek.Current(time.Now(), cfg.Location())
	scope := fs.String("scope", cli.ScopeWeek, "week, year or current")
	bar := fs.Int64("bar", 0, "bar id")
	bars := fs.String("bars", "", "comma separated bar ids for --scope current, default every bar")
	year := fs.Int("year", current.Year, "ISO year")
	week := fs.Int("week", current.Week, "ISO week")
	reset := fs.Bool("reset-manual", false, "discard reviewer-entered fields")
	previous := fs.Bool("include-previous", false, "also refresh the previous week for --scope current")
	actor := fs.String("actor", "cli", "actor recorded in the audit log")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	barIDs, err := parseBars(*bars)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		return 2
	}

	client, err := jobs.NewClient(redisOpts(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		return 1
	}
	defer func() { _ = client.Close() }()

	return cli.NewJobsCLI(client, nil).EnqueueCommand(ctx, cli.EnqueueOptions{
		Scope:           *scope,
		BarID:           *bar,
		BarIDs:          barIDs,
		Year:            *year,
		Week:            *week,
		ResetManual:     *reset,
		IncludePrevious: *previous,
		Actor:           *actor,
		JSONOutput:      *jsonOut,
	})
}

func queue(cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("queue", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	inspector := asynq.NewInspector(redisOpts(cfg))
	defer func() { _ = inspector.Close() }()
	return cli.NewJobsCLI(nil, inspector).QueueCommand(*jsonOut, os.Stdout, os.Stderr)
}

func audit(ctx context.Context, cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	current := isoweek.Current(time.Now(), cfg.Location())
	path := fs.String("sqlite", "", "snapshot database path")
	importPath := fs.String("import", "", "JSON snapshot to load into the database first")
	bar := fs.Int64("bar", 0, "bar id")
	year := fs.Int("year", current.Year, "ISO year")
	week := fs.Int("week", current.Week, "ISO week")
	weeks := fs.Int("weeks", 1, "number of weeks ending at --week")
	field := fs.String("field", "", "drill down into this field for --week")
	theoretical := fs.String("theoretical", "", "theoretical CMV percent")
	sellable := fs.String("sellable", "", "sellable revenue override")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*path) == "" {
		fmt.Fprintln(os.Stderr, "audit: --sqlite is required")
		return 2
	}

	store, err := txstore.OpenSQLite(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	if *importPath != "" {
		if err := importSnapshot(ctx, store, *importPath); err != nil {
			fmt.Fprintf(os.Stderr, "audit: import %s: %v\n", *importPath, err)
			return 1
		}
	}

	engine := cfg.CMV()
	auditor, err := cli.NewAuditCLI(store, engine.Policy, engine.Tolerance)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		return 1
	}
	return auditor.AuditCommand(ctx, cli.AuditOptions{
		BarID:            *bar,
		Year:             *year,
		Week:             *week,
		Weeks:            *weeks,
		Field:            *field,
		TheoreticalPct:   *theoretical,
		SellableOverride: *sellable,
		JSONOutput:       *jsonOut,
	})
}

func importSnapshot(ctx context.Context, store *txstore.SQLiteStore, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap txstore.Snapshot
	if err := json.NewDecoder(io.LimitReader(f, 256<<20)).Decode(&snap); err != nil {
		return err
	}
	if snap.BarID <= 0 {
		return errors.New("snapshot bar_id must be positive")
	}
	return store.Import(ctx, snap)
}

func migrate(ctx context.Context, cfg *app.Config) int {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	defer pool.Close()
	applied, err := migrations.Apply(ctx, pool)
	for _, version := range applied {
		fmt.Printf("applied %s\n", version)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	if len(applied) == 0 {
		fmt.Println("schema up to date")
	}
	return 0
}

func parseBars(raw string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid bar id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}
