package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gantry-dev/gantry/internal/registry"
	"github.com/gantry-dev/gantry/pkg/api"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "gantry.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadDescriptors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	descs := []registry.Descriptor{
		{Name: "db", Address: "http://db:5000", Timeout: 1500 * time.Millisecond},
		{
			Name:         "api",
			Address:      "http://api:5001",
			Transport:    "http",
			AuthTokenRef: "API_TOKEN",
			RetryBudget:  2,
			DependsOn:    []string{"db"},
		},
		{
			Name:      "batch",
			Address:   "10.0.0.5:22",
			Transport: "ssh",
			Exec:      api.ExecSpec{Command: []string{"/opt/batch/run"}, SpoolDir: "/var/spool/gantry"},
		},
	}
	if err := s.SaveDescriptors(ctx, descs); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := s.LoadDescriptors(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(loaded))
	}
	// Registration order preserved.
	if loaded[0].Name != "db" || loaded[1].Name != "api" || loaded[2].Name != "batch" {
		t.Fatalf("order not preserved: %+v", loaded)
	}
	if loaded[0].Timeout != 1500*time.Millisecond {
		t.Fatalf("timeout lost: %s", loaded[0].Timeout)
	}
	if len(loaded[1].DependsOn) != 1 || loaded[1].DependsOn[0] != "db" {
		t.Fatalf("deps lost: %+v", loaded[1])
	}
	if loaded[2].Exec.SpoolDir != "/var/spool/gantry" || len(loaded[2].Exec.Command) != 1 {
		t.Fatalf("exec spec lost: %+v", loaded[2])
	}
}

func TestSaveReplacesPreviousSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveDescriptors(ctx, []registry.Descriptor{{Name: "old", Address: "http://old"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveDescriptors(ctx, []registry.Descriptor{{Name: "new", Address: "http://new"}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := s.LoadDescriptors(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Name != "new" {
		t.Fatalf("expected replacement, got %+v", loaded)
	}
}

func TestUpsertAndListHealth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.UpsertHealth(ctx, api.ServiceHealth{Name: "api", State: api.HealthHealthy, LastProbe: now}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertHealth(ctx, api.ServiceHealth{Name: "api", State: api.HealthUnhealthy, LastProbe: now, ConsecutiveFailures: 2}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	list, err := s.ListHealth(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", len(list))
	}
	if list[0].State != api.HealthUnhealthy || list[0].ConsecutiveFailures != 2 {
		t.Fatalf("unexpected health row: %+v", list[0])
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
