// Command diffbelt-transform runs one map/filter or aggregate pipeline
// (§4.7/C4) against a running diffbeltd: it reads a source collection's
// diff stream through a registered reader, evaluates a WASM guest
// module for each batch, and writes the results into a target
// collection, advancing the source reader in the same commit.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/diffbelt/internal/config"
	"github.com/calvinalkan/diffbelt/internal/transform"
	"github.com/calvinalkan/diffbelt/internal/wasmhost"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "diffbelt-transform: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("diffbelt-transform", flag.ContinueOnError)

	configPath := fs.StringP("config", "c", "", "path to a JSONC config file")
	storeURL := fs.String("store", "http://127.0.0.1:8765", "base URL of the diffbeltd store")
	source := fs.String("source", "", "source collection name (required)")
	target := fs.String("target", "", "target collection name (required)")
	readerName := fs.String("reader", "", "reader name pinned on the source collection (required)")
	kindFlag := fs.String("kind", "map_filter", "pipeline kind: map_filter or aggregate")
	wasmPath := fs.String("wasm", "", "path to the guest WASM module (required)")
	supportsMerge := fs.Bool("supports-merge", false, "aggregate pipeline supports merging two chunk accumulators")
	dryRun := fs.Bool("dry-run", false, "evaluate the full pipeline without writing to the target or committing")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *source == "" || *target == "" || *readerName == "" || *wasmPath == "" {
		return fmt.Errorf("-source, -target, -reader, and -wasm are all required")
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	cfg, _, err := config.Load(workDir, *configPath, os.Environ())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	kind, err := parseKind(*kindFlag)
	if err != nil {
		return err
	}

	client := newStoreClient(*storeURL)

	if err := client.ensureCollection(ctx, *target, false); err != nil {
		return fmt.Errorf("ensure target collection: %w", err)
	}

	fromGen, exists, err := client.getReaderGeneration(ctx, *source, *readerName)
	if err != nil {
		return fmt.Errorf("look up reader: %w", err)
	}

	if !exists {
		if err := client.createReader(ctx, *source, *readerName, *source); err != nil {
			return fmt.Errorf("create reader: %w", err)
		}

		fromGen = nil
	}

	host := wasmhost.New(ctx)
	defer host.Close(ctx)

	if err := host.LoadModule(ctx, "transform", *wasmPath); err != nil {
		return fmt.Errorf("load wasm module: %w", err)
	}

	instance, err := host.Instantiate(ctx, "transform")
	if err != nil {
		return fmt.Errorf("instantiate wasm module: %w", err)
	}
	defer instance.Close(ctx)

	driver := transform.New(transform.Config{
		Kind:             kind,
		SourceCollection: *source,
		TargetCollection: *target,
		ReaderName:       *readerName,
		DryRun:           *dryRun,
		Limits: transform.Limits{
			PendingEvalMapBytes: cfg.Transform.PendingEvalMapBytes,
			TargetDataBytes:     cfg.Transform.TargetDataBytes,
			ApplyingBytes:       cfg.Transform.ApplyingBytes,
			PendingPutsCount:    cfg.Transform.PendingPutsCount,
		},
		AggregateOptions: transform.AggregateOptions{SupportsMerge: *supportsMerge},
	}, fromGen)

	logger.Info("starting transform",
		"source", *source, "target", *target, "reader", *readerName,
		"from_generation", hex.EncodeToString(fromGen), "kind", *kindFlag, "dry_run", *dryRun)

	return driveToCompletion(ctx, driver, instance, client, logger)
}

// driveToCompletion runs the shared Run/execute/feed-back loop
// internal/transform's own doc comment describes: Run never performs
// I/O itself, so this loop is the concrete "caller" it delegates to.
func driveToCompletion(ctx context.Context, driver *transform.Driver, instance *wasmhost.Instance, client *storeClient, logger *slog.Logger) error {
	var inputs []transform.Input

	for {
		result, err := driver.Run(inputs)
		if err != nil {
			return fmt.Errorf("driver: %w", err)
		}

		if result.Finished {
			stats := driver.Stats()
			logger.Info("transform finished", "keys_updated", stats.KeysUpdated, "keys_deleted", stats.KeysDeleted)

			return nil
		}

		if len(result.Actions) == 0 {
			time.Sleep(50 * time.Millisecond)
			inputs = nil

			continue
		}

		inputs = make([]transform.Input, len(result.Actions))

		for i, action := range result.Actions {
			inputs[i] = executeAction(ctx, action, instance, client)
		}

		var returned []string

		for _, action := range result.Actions {
			if action.Kind == transform.ActionFunctionEval {
				returned = append(returned, action.ID)
			}
		}

		driver.ReturnBuffers(returned)
	}
}

func executeAction(ctx context.Context, action transform.Action, instance *wasmhost.Instance, client *storeClient) transform.Input {
	switch action.Kind {
	case transform.ActionFunctionEval:
		out, err := instance.Eval(ctx, action.FunctionEval.Kind, action.FunctionEval.Payload)
		if err != nil {
			return transform.Input{ID: action.ID, Err: err}
		}

		return transform.Input{ID: action.ID, EvalResult: &transform.EvalResult{Payload: out}}
	default:
		return client.execute(ctx, action)
	}
}

func parseKind(s string) (transform.Kind, error) {
	switch s {
	case "map_filter":
		return transform.KindMapFilter, nil
	case "aggregate":
		return transform.KindAggregate, nil
	default:
		return 0, fmt.Errorf("unknown pipeline kind %q", s)
	}
}
