package registry

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func desc(name string, deps ...string) Descriptor {
	return Descriptor{
		Name:      name,
		Address:   "http://" + name + ":8080",
		Timeout:   5 * time.Second,
		DependsOn: deps,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	if err := r.Register(desc("store")); err != nil {
		t.Fatalf("register store: %v", err)
	}
	if err := r.Register(desc("api", "store")); err != nil {
		t.Fatalf("register api: %v", err)
	}

	d, err := r.Lookup("api")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if d.Name != "api" || len(d.DependsOn) != 1 || d.DependsOn[0] != "store" {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"store", "api"}) {
		t.Fatalf("expected registration order, got %v", got)
	}
}

func TestLookupUnknown(t *testing.T) {
	r := New()
	_, err := r.Lookup("ghost")
	var unknown UnknownServiceError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownServiceError, got %v", err)
	}
	if unknown.Name != "ghost" {
		t.Fatalf("expected ghost, got %s", unknown.Name)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	if err := r.Register(desc("store")); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register(desc("store"))
	var dup DuplicateServiceError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateServiceError, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("registry mutated by rejected registration")
	}
}

func TestRegisterUnknownDependency(t *testing.T) {
	r := New()
	err := r.Register(desc("api", "missing"))
	var invalid InvalidDependencyError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidDependencyError, got %v", err)
	}
	if invalid.Dependency != "missing" {
		t.Fatalf("expected missing, got %s", invalid.Dependency)
	}
	if r.Len() != 0 {
		t.Fatalf("registry mutated by rejected registration")
	}
	if _, lookupErr := r.Lookup("api"); lookupErr == nil {
		t.Fatalf("rejected service should not be registered")
	}
}

func TestRegisterSelfDependency(t *testing.T) {
	r := New()
	err := r.Register(desc("loop", "loop"))
	var invalid InvalidDependencyError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidDependencyError, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("registry mutated by rejected registration")
	}
}

func TestClosureThroughResolver(t *testing.T) {
	r := New()
	for _, d := range []Descriptor{
		desc("db"),
		desc("cache"),
		desc("auth", "db"),
		desc("api", "auth", "cache"),
	} {
		if err := r.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}

	closure, err := r.Resolver().Closure("api")
	if err != nil {
		t.Fatalf("closure: %v", err)
	}
	want := []string{"db", "auth", "cache"}
	if !reflect.DeepEqual(closure, want) {
		t.Fatalf("expected %v, got %v", want, closure)
	}
}

func TestClosureCacheInvalidatedByRegistration(t *testing.T) {
	r := New()
	if err := r.Register(desc("db")); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Warm the cache for db.
	if _, err := r.Resolver().Closure("db"); err != nil {
		t.Fatalf("closure: %v", err)
	}
	if err := r.Register(desc("api", "db")); err != nil {
		t.Fatalf("register: %v", err)
	}
	closure, err := r.Resolver().Closure("api")
	if err != nil {
		t.Fatalf("closure after registration: %v", err)
	}
	if !reflect.DeepEqual(closure, []string{"db"}) {
		t.Fatalf("expected [db], got %v", closure)
	}
}
