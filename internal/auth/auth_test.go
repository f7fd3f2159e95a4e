package auth

import (
	"context"
	"errors"
	"testing"
)

func TestRequire(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ctx  context.Context
		ok   bool
	}{
		{name: "anonymous", ctx: context.Background(), ok: false},
		{name: "viewer", ctx: WithActor(context.Background(), Actor{Name: "v", Privileges: []string{PrivViewTasks}}), ok: false},
		{name: "admin", ctx: WithActor(context.Background(), Admin()), ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Require(tt.ctx, PrivManageTasks)
			if tt.ok && err != nil {
				t.Fatalf("Require: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrPrivilegeDenied) {
				t.Fatalf("Require err = %v, want ErrPrivilegeDenied", err)
			}
		})
	}
}

func TestElevateIsScoped(t *testing.T) {
	t.Parallel()
	e := NewElevator("scheduler")
	ctx, release := e.Elevate(context.Background())

	if !Has(ctx, PrivManageTasks) {
		t.Fatal("elevated context should grant manage privilege")
	}
	if Name(ctx) != "scheduler" {
		t.Fatalf("Name = %q, want scheduler", Name(ctx))
	}
	if e.Active() != 1 {
		t.Fatalf("Active = %d, want 1", e.Active())
	}

	release()
	release()
	if Has(ctx, PrivManageTasks) {
		t.Fatal("released context must stop granting")
	}
	if e.Active() != 0 {
		t.Fatalf("Active = %d after release, want 0", e.Active())
	}
}
