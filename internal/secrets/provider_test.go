package secrets

import (
	"fmt"
	"testing"
	"time"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

type fakeBackend struct {
	values map[string]string
	calls  int
}

func (f *fakeBackend) Fetch(env, name string) (string, error) {
	f.calls++
	key := env + "/" + name
	if v, ok := f.values[key]; ok {
		return v, nil
	}
	return "", errs.New(errs.KindNotFound, fmt.Sprintf("no such secret %s", key))
}

func TestProviderCachesHits(t *testing.T) {
	backend := &fakeBackend{values: map[string]string{"prod/db_password": "hunter2"}}
	p := NewProvider(backend, time.Minute, 16)

	for i := 0; i < 3; i++ {
		v, err := p.Get("prod", "db_password", "")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if v != "hunter2" {
			t.Fatalf("got %q, want hunter2", v)
		}
	}

	if backend.calls != 1 {
		t.Fatalf("expected backend to be called once, got %d", backend.calls)
	}
}

func TestProviderFallsBackToEnvVar(t *testing.T) {
	backend := &fakeBackend{values: map[string]string{}}
	p := NewProvider(backend, time.Minute, 16)

	t.Setenv("FALLBACK_SECRET", "from-env")

	v, err := p.Get("prod", "missing_key", "FALLBACK_SECRET")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if v != "from-env" {
		t.Fatalf("got %q, want from-env", v)
	}
}

func TestProviderMissWithoutFallbackReturnsError(t *testing.T) {
	backend := &fakeBackend{values: map[string]string{}}
	p := NewProvider(backend, time.Minute, 16)

	if _, err := p.Get("prod", "missing_key", ""); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestProviderInvalidateForcesRefetch(t *testing.T) {
	backend := &fakeBackend{values: map[string]string{"prod/rotating": "v1"}}
	p := NewProvider(backend, time.Minute, 16)

	v, _ := p.Get("prod", "rotating", "")
	if v != "v1" {
		t.Fatalf("got %q, want v1", v)
	}

	backend.values["prod/rotating"] = "v2"
	p.Invalidate("prod", "rotating")

	v, _ = p.Get("prod", "rotating", "")
	if v != "v2" {
		t.Fatalf("got %q, want v2 after invalidate", v)
	}
	if backend.calls != 2 {
		t.Fatalf("expected 2 backend calls, got %d", backend.calls)
	}
}

func TestEnvFallbackBackend(t *testing.T) {
	t.Setenv("SOME_SECRET", "value")
	b := EnvFallbackBackend{}

	v, err := b.Fetch("any", "SOME_SECRET")
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if v != "value" {
		t.Fatalf("got %q, want value", v)
	}

	if _, err := b.Fetch("any", "DOES_NOT_EXIST_SECRET"); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}
