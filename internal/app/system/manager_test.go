package system

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type fakeService struct {
	name     string
	startErr error
	log      *[]string
}

func (f fakeService) Name() string { return f.name }

func (f fakeService) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	*f.log = append(*f.log, "start "+f.name)
	return nil
}

func (f fakeService) Stop(context.Context) error {
	*f.log = append(*f.log, "stop "+f.name)
	return nil
}

func TestManagerOrdersLifecycle(t *testing.T) {
	var log []string
	m := NewManager()
	for _, name := range []string{"a", "b"} {
		if err := m.Register(fakeService{name: name, log: &log}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := m.Register(fakeService{name: "a", log: &log}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []string{"start a", "start b", "stop b", "stop a"}
	if !reflect.DeepEqual(log, want) {
		t.Fatalf("lifecycle order = %v, want %v", log, want)
	}
}

func TestManagerRollsBackOnStartFailure(t *testing.T) {
	var log []string
	m := NewManager()
	_ = m.Register(fakeService{name: "a", log: &log})
	_ = m.Register(fakeService{name: "b", startErr: errors.New("boom"), log: &log})

	err := m.Start(context.Background())
	if err == nil {
		t.Fatalf("expected start error")
	}
	want := []string{"start a", "stop a"}
	if !reflect.DeepEqual(log, want) {
		t.Fatalf("rollback order = %v, want %v", log, want)
	}
	if !reflect.DeepEqual(m.Names(), []string{"a", "b"}) {
		t.Fatalf("unexpected names %v", m.Names())
	}
}
