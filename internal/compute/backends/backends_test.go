package backends

import (
	"cloudproc/internal/compute"
	"cloudproc/internal/compute/localhost"
	"cloudproc/internal/config"
	"cloudproc/internal/function/builtin"
	"cloudproc/internal/testutil"
	"context"
	"testing"
	"time"
)

func TestRegistryNames(t *testing.T) {
	t.Parallel()
	names := Registry().Names()
	want := []string{"docker", "localhost", "redis"}
	if len(names) != len(want) {
		t.Fatalf("Expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Expected %q at %d, got %q", want[i], i, names[i])
		}
	}
}

func TestOpenLocalhost(t *testing.T) {
	t.Parallel()
	tr, _ := testutil.NewMemoryTracker(t)
	cfg := config.Default()
	cfg.Compute.Backend = localhost.Name
	cfg.Compute.Workers = 2

	b, err := Registry().Open(context.Background(), cfg, compute.Deps{Tracker: tr, Functions: builtin.Registry()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	pool, ok := b.(*localhost.Pool)
	if !ok {
		t.Fatalf("Expected *localhost.Pool, got %T", b)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
