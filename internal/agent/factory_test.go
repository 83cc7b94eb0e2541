package agent

import (
	"context"
	"errors"
	"testing"
)

type stubRuntime struct{ name string }

func (s *stubRuntime) Open(ctx context.Context, req *OpenRequest) (StreamingExecutor, error) {
	return nil, errors.New("not implemented")
}
func (s *stubRuntime) Ping(ctx context.Context) error { return nil }
func (s *stubRuntime) Close() error                   { return nil }
func (s *stubRuntime) Name() string                   { return s.name }

func TestRuntimeFactory_Create(t *testing.T) {
	f := NewFactory()
	f.Register(RuntimeTypeEcho, func(cfg FactoryConfig) (Runtime, error) {
		return &stubRuntime{name: string(cfg.Type)}, nil
	})

	rt, err := f.Create(FactoryConfig{Type: RuntimeTypeEcho})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rt.Name() != "echo" {
		t.Errorf("Name() = %q, want %q", rt.Name(), "echo")
	}
}

func TestRuntimeFactory_UnknownType(t *testing.T) {
	f := NewFactory()
	if _, err := f.Create(FactoryConfig{Type: "carrier-pigeon"}); err == nil {
		t.Error("Create() should fail for an unregistered type")
	}
}

func TestRuntimeFactory_Types(t *testing.T) {
	f := NewFactory()
	f.Register(RuntimeTypeOpenCode, nil)
	f.Register(RuntimeTypeEcho, nil)

	got := f.Types()
	if len(got) != 2 || got[0] != RuntimeTypeEcho || got[1] != RuntimeTypeOpenCode {
		t.Errorf("Types() = %v, want [echo opencode]", got)
	}
}
