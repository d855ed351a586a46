// Package main provides outboxctl, the operator tool for aborted outbox
// events and manual index changes.
//
// Usage:
//
//	outboxctl [-tenant ID] count|reprocess|clear
//	outboxctl [-tenant ID] [-entity NAME] upsert INDEX DOC_ID JSON
//	outboxctl [-tenant ID] [-entity NAME] delete INDEX DOC_ID
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lllypuk/searchsync/internal/config"
	"github.com/lllypuk/searchsync/internal/container"
	"github.com/lllypuk/searchsync/internal/domain/mutation"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
)

var errUsage = errors.New("usage")

// Maintenance is the subset of the maintenance service the tool drives.
type Maintenance interface {
	CountAbortedEvents(ctx context.Context) (int64, error)
	CountAbortedEventsForTenant(ctx context.Context, tenantID string) (int64, error)
	ReprocessAbortedEvents(ctx context.Context) (int64, error)
	ReprocessAbortedEventsForTenant(ctx context.Context, tenantID string) (int64, error)
	ClearAllAbortedEvents(ctx context.Context) (int64, error)
	ClearAllAbortedEventsForTenant(ctx context.Context, tenantID string) (int64, error)
}

// Recorder appends index changes to the outbox.
type Recorder interface {
	Record(ctx context.Context, entityName, entityID, tenantID string, m mutation.Mutation) (*outbox.Event, error)
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := container.NewContainer(ctx, cfg, container.WithLogger(logger), container.WithoutBackend())
	if err != nil {
		logger.Error("failed to connect", slog.String("error", err.Error()))
		stop()
		os.Exit(1) //nolint:gocritic // stop() called before exit
	}

	err = execute(ctx, os.Args[1:], c.Maintenance, c.Recorder, os.Stdout)
	if closeErr := c.Close(); closeErr != nil {
		logger.Warn("failed to close connections", slog.String("error", closeErr.Error()))
	}

	switch {
	case errors.Is(err, errUsage):
		os.Exit(2)
	case err != nil:
		logger.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// execute parses args and runs one command, writing its result to out.
func execute(ctx context.Context, args []string, svc Maintenance, rec Recorder, out io.Writer) error {
	fs := flag.NewFlagSet("outboxctl", flag.ContinueOnError)
	fs.SetOutput(out)
	tenant := fs.String("tenant", "", "Restrict the command to one tenant")
	entity := fs.String("entity", "", "Entity name recorded on upsert/delete (defaults to the index)")

	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "count":
		n, err := pick(*tenant, svc.CountAbortedEvents, svc.CountAbortedEventsForTenant)(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "aborted: %d\n", n)
	case "reprocess":
		n, err := pick(*tenant, svc.ReprocessAbortedEvents, svc.ReprocessAbortedEventsForTenant)(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "reprocessed: %d\n", n)
	case "clear":
		n, err := pick(*tenant, svc.ClearAllAbortedEvents, svc.ClearAllAbortedEventsForTenant)(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "cleared: %d\n", n)
	case "upsert", "delete":
		return record(ctx, cmd, rest, *tenant, *entity, rec, out)
	default:
		fmt.Fprintf(out, "unknown command %q\n", cmd)
		return errUsage
	}
	return nil
}

// pick selects the tenant-scoped variant when a tenant was given.
func pick(
	tenant string,
	global func(context.Context) (int64, error),
	scoped func(context.Context, string) (int64, error),
) func(context.Context) (int64, error) {
	if tenant == "" {
		return global
	}
	return func(ctx context.Context) (int64, error) { return scoped(ctx, tenant) }
}

func record(ctx context.Context, cmd string, args []string, tenant, entity string, rec Recorder, out io.Writer) error {
	want := 2
	if cmd == "upsert" {
		want = 3
	}
	if len(args) != want {
		fmt.Fprintf(out, "%s expects %d arguments, got %d\n", cmd, want, len(args))
		return errUsage
	}
	index, docID := args[0], args[1]
	if entity == "" {
		entity = index
	}

	m := mutation.Delete(index, docID)
	if cmd == "upsert" {
		if !json.Valid([]byte(args[2])) {
			return errors.New("document is not valid JSON")
		}
		var err error
		if m, err = mutation.Upsert(index, docID, json.RawMessage(args[2])); err != nil {
			return err
		}
	}

	evt, err := rec.Record(ctx, entity, docID, tenant, m)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "recorded event %d\n", evt.ID)
	return nil
}
