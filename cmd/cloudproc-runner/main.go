// cloudproc-runner executes one call payload. It runs as a child process
// of a localhost worker or as the entrypoint of a docker runtime container.
package main

import (
	"cloudproc/internal/compute"
	"cloudproc/internal/compute/docker"
	"cloudproc/internal/config"
	"cloudproc/internal/engine"
	"cloudproc/internal/function/builtin"
	"cloudproc/internal/handler"
	"cloudproc/internal/notify"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	meta := flag.Bool("meta", false, "print runtime metadata and exit")
	stdin := flag.Bool("stdin", false, "read the payload from stdin")
	flag.Parse()

	// stdout is reserved for the metadata document
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if *meta {
		if err := printMeta(os.Stdout); err != nil {
			slog.Error("Failed to print runtime metadata", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*stdin); err != nil {
		slog.Error("Runner failed", "error", err)
		os.Exit(1)
	}
}

func printMeta(w io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(compute.LocalRuntimeMeta(cfg.Compute.Runtime, docker.Name))
}

// readPayload decodes the payload from r when fromStdin is set, otherwise
// from the base64 payload environment variable.
func readPayload(fromStdin bool, r io.Reader) (*compute.Payload, error) {
	var body []byte
	if fromStdin {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		body = data
	} else {
		encoded := os.Getenv(docker.PayloadEnv)
		if encoded == "" {
			return nil, fmt.Errorf("%s is not set", docker.PayloadEnv)
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", docker.PayloadEnv, err)
		}
		body = data
	}
	return compute.DecodePayload(body)
}

func run(fromStdin bool) error {
	p, err := readPayload(fromStdin, os.Stdin)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Storage.Backend = p.Storage.Backend
	cfg.Storage.Bucket = p.Storage.Bucket
	engine.SetupLogging(cfg, os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	eng, err := engine.Open(ctx, cfg, nil)
	if err != nil {
		return err
	}

	worker := os.Getenv("CLOUDPROC_WORKER")
	if worker == "" {
		worker, _ = os.Hostname()
	}
	deps := handler.Deps{
		Tracker:   eng.Tracker,
		Functions: builtin.Registry(),
		Worker:    worker,
	}

	notifyCfg := notify.LoadConfigFromEnv()
	var notifier *notify.Notifier
	if p.CallbackURL != "" {
		notifier = notify.New(notifyCfg, nil)
		deps.Notifier = notifier
	}

	// Function failures are recorded in the status; only a status that
	// could not be written is an error here.
	status, err := handler.Run(ctx, deps, p)

	if notifier != nil {
		// The container exits with this process; give the callback time to land.
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*notifyCfg.HTTPTimeout+time.Second)
		if cerr := notifier.Close(closeCtx); cerr != nil {
			slog.Warn("Notifier shutdown error", "error", cerr)
		}
		closeCancel()
	}

	if err != nil {
		return err
	}
	slog.Info("Call finished", "call", p.ID().String(), "success", status.Success)
	return nil
}
