package storage

import (
	"context"
	"time"

	"taskd/internal/auth"
	"taskd/internal/task"
)

// Guarded wraps s so that every write requires auth.PrivManageTasks from the
// context actor or an active elevation. Reads are not checked.
func Guarded(s Store) Store { return &guarded{Store: s} }

type guarded struct {
	Store
}

func (g *guarded) CreateTask(ctx context.Context, def *task.Definition) error {
	if err := auth.Require(ctx, auth.PrivManageTasks); err != nil {
		return err
	}
	return g.Store.CreateTask(ctx, def)
}

func (g *guarded) UpdateTask(ctx context.Context, def *task.Definition) error {
	if err := auth.Require(ctx, auth.PrivManageTasks); err != nil {
		return err
	}
	return g.Store.UpdateTask(ctx, def)
}

func (g *guarded) DeleteTask(ctx context.Context, id int64) error {
	if err := auth.Require(ctx, auth.PrivManageTasks); err != nil {
		return err
	}
	return g.Store.DeleteTask(ctx, id)
}

func (g *guarded) SetLastExecutionTime(ctx context.Context, id int64, at time.Time) error {
	if err := auth.Require(ctx, auth.PrivManageTasks); err != nil {
		return err
	}
	return g.Store.SetLastExecutionTime(ctx, id, at)
}
