package config

import (
	"errors"
	"testing"

	"github.com/kapellhq/kapell/pkg/provider/model"
	"github.com/kapellhq/kapell/pkg/provider/model/mock"
)

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("mock", func(entry ProviderConfig) (model.Provider, error) {
		return &mock.Provider{}, nil
	})

	p, err := r.Create(ProviderConfig{Name: "mock"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Name() != "mock" {
		t.Errorf("provider name = %q", p.Name())
	}
}

func TestRegistry_CreateUnregistered(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.Create(ProviderConfig{Name: "nope"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_FactoryReceivesEntry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var got ProviderConfig
	r.Register("probe", func(entry ProviderConfig) (model.Provider, error) {
		got = entry
		return &mock.Provider{}, nil
	})

	entry := ProviderConfig{Name: "probe", Model: "m1", APIKey: "k"}
	if _, err := r.Create(entry); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got.Model != "m1" || got.APIKey != "k" {
		t.Errorf("factory entry = %+v", got)
	}
}

func TestRegistry_ReRegisterOverwrites(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("p", func(ProviderConfig) (model.Provider, error) {
		return nil, errors.New("first")
	})
	r.Register("p", func(ProviderConfig) (model.Provider, error) {
		return &mock.Provider{}, nil
	})

	if _, err := r.Create(ProviderConfig{Name: "p"}); err != nil {
		t.Fatalf("Create after re-register: %v", err)
	}
}
