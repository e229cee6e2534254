package event

import (
	"errors"
	"testing"

	"github.com/dlang-community/dls/internal/fiber"
)

func TestBus_RegistrationOrder(t *testing.T) {
	b := NewBus(nil)
	var order []string
	for _, id := range []string{"first", "second", "third"} {
		id := id
		b.Subscribe(ProjectAvailable, id, func(_ *fiber.Context, payload any) error {
			order = append(order, id)
			return nil
		})
	}

	if err := b.Emit(nil, ProjectAvailable, "/w"); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", order, want)
		}
	}
}

func TestBus_FailureDoesNotAbort(t *testing.T) {
	b := NewBus(nil)
	var reached bool
	b.Subscribe(AddedProject, "bad", func(_ *fiber.Context, _ any) error {
		return errors.New("subscriber broke")
	})
	b.Subscribe(AddedProject, "panicky", func(_ *fiber.Context, _ any) error {
		panic("subscriber bug")
	})
	b.Subscribe(AddedProject, "good", func(_ *fiber.Context, _ any) error {
		reached = true
		return nil
	})

	err := b.Emit(nil, AddedProject, nil)
	if err == nil {
		t.Error("Emit() error = nil, want combined failures")
	}
	if !reached {
		t.Error("later subscriber not reached after earlier failures")
	}
}

func TestBus_SubscribeReplaceAndUnsubscribe(t *testing.T) {
	b := NewBus(nil)
	hits := 0
	b.Subscribe(AddingProject, "x", func(_ *fiber.Context, _ any) error { hits += 10; return nil })
	b.Subscribe(AddingProject, "x", func(_ *fiber.Context, _ any) error { hits++; return nil })

	if err := b.Emit(nil, AddingProject, nil); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if hits != 1 {
		t.Errorf("hits = %d; duplicate id must replace, not duplicate", hits)
	}

	if !b.Unsubscribe(AddingProject, "x") {
		t.Error("Unsubscribe() = false")
	}
	if b.Unsubscribe(AddingProject, "x") {
		t.Error("second Unsubscribe() = true")
	}
	if b.SubscriberCount(AddingProject) != 0 {
		t.Errorf("SubscriberCount() = %d", b.SubscriberCount(AddingProject))
	}
}
