package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/treetodo/treetodo/internal/task"
)

const (
	selectPrivate = `SELECT id, parent_id, name, description, status, flex_index FROM private_tasks`
	selectCollab  = `SELECT id, collaboration_id, stable_id, parent_id, name, description, status, flex_index FROM collab_tasks`
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPrivate(s scanner) (*task.Task, error) {
	var (
		t          task.Task
		id, parent int64
		status     int
	)
	err := s.Scan(&id, &parent, &t.Name, &t.Description, &status, &t.FlexIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.LocalID = task.LocalID(id)
	t.ParentLocal = task.LocalID(parent)
	t.Status = task.Status(status)
	return &t, nil
}

func scanCollab(s scanner) (*task.Task, error) {
	var (
		t              task.Task
		id             int64
		stable, parent string
		status         int
	)
	err := s.Scan(&id, &t.Collaboration, &stable, &parent, &t.Name, &t.Description, &status, &t.FlexIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.LocalID = task.LocalID(id)
	t.StableID = task.StableID(stable)
	t.ParentStable = task.StableID(parent)
	t.Status = task.Status(status)
	return &t, nil
}

func scanAll(rows *sql.Rows, scan func(scanner) (*task.Task, error)) ([]*task.Task, error) {
	var tasks []*task.Task
	for rows.Next() {
		t, err := scan(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}
