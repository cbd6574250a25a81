/*
Copyright 2024 z-open

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transaction

import (
	"context"
	"sync"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

type published struct {
	kind     Kind
	tenantID string
	name     string
	objs     []any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []published
}

func (n *recordingNotifier) record(kind Kind, tenantID, name string, objs []any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, published{kind: kind, tenantID: tenantID, name: name, objs: objs})
}

func (n *recordingNotifier) NotifyCreation(tenantID, name string, objs []any) {
	n.record(KindCreation, tenantID, name, objs)
}

func (n *recordingNotifier) NotifyUpdate(tenantID, name string, objs []any) {
	n.record(KindUpdate, tenantID, name, objs)
}

func (n *recordingNotifier) NotifyDelete(tenantID, name string, objs []any) {
	n.record(KindDelete, tenantID, name, objs)
}

func (n *recordingNotifier) Publish(name string, objs []any) {}

func (n *recordingNotifier) published() []published {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]published(nil), n.events...)
}

func TestNestedCommitPublishesInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	notifier := &recordingNotifier{}

	root := Begin(Options{Name: "outer", Notifier: notifier})
	err := root.Execute(ctx, func(ctx context.Context, tx *Transaction) error {
		tx.NotifyCreation("t1", "MAG", map[string]any{"id": 1})
		inner, err := tx.Inner(Options{Name: "inner"})
		if err != nil {
			return err
		}
		return inner.Execute(ctx, func(ctx context.Context, tx *Transaction) error {
			tx.NotifyCreation("t1", "MAG", map[string]any{"id": 2})
			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, root.Status())

	events := notifier.published()
	require.Len(t, events, 2)
	require.Equal(t, KindCreation, events[0].kind)
	require.Equal(t, map[string]any{"id": 1}, events[0].objs[0])
	require.Equal(t, map[string]any{"id": 2}, events[1].objs[0])
}

func TestInnerRejectionPublishesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	notifier := &recordingNotifier{}

	root := Begin(Options{Name: "outer", Notifier: notifier})
	err := root.Execute(ctx, func(ctx context.Context, tx *Transaction) error {
		tx.NotifyCreation("t1", "MAG", map[string]any{"id": 1})
		inner, err := tx.Inner(Options{Name: "inner"})
		if err != nil {
			return err
		}
		return inner.Execute(ctx, func(ctx context.Context, tx *Transaction) error {
			tx.NotifyCreation("t1", "MAG", map[string]any{"id": 2})
			return trace.Errorf("inner failure")
		})
	})
	require.ErrorContains(t, err, "inner failure")
	require.Equal(t, StatusRolledBack, root.Status())
	require.Empty(t, notifier.published())
}

func TestNotificationsUseScopeTenant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	notifier := &recordingNotifier{}

	root := Begin(Options{Name: "outer", TenantID: "t9", Notifier: notifier})
	err := root.Execute(ctx, func(ctx context.Context, tx *Transaction) error {
		tx.NotifyUpdate("", "MAG", map[string]any{"id": 1})
		return nil
	})
	require.NoError(t, err)
	events := notifier.published()
	require.Len(t, events, 1)
	require.Equal(t, "t9", events[0].tenantID)
}

func TestInnerNotAwaited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	root := Begin(Options{Name: "outer"})
	err := root.Execute(ctx, func(ctx context.Context, tx *Transaction) error {
		// Open an inner scope and abandon it.
		_, err := tx.Inner(Options{Name: "inner"})
		return err
	})
	require.ErrorIs(t, err, ErrInnerNotAwaited)
	require.Equal(t, StatusRolledBack, root.Status())
}

func TestInnerRolledBackFailsParentCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	root := Begin(Options{Name: "outer"})
	err := root.Execute(ctx, func(ctx context.Context, tx *Transaction) error {
		inner, err := tx.Inner(Options{Name: "inner"})
		if err != nil {
			return err
		}
		// Swallow the inner failure; the commit check still catches it.
		_ = inner.Execute(ctx, func(ctx context.Context, tx *Transaction) error {
			return trace.Errorf("inner failure")
		})
		return nil
	})
	require.ErrorIs(t, err, ErrInnerRolledBack)
}

func TestOnCommitOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var order []string
	root := Begin(Options{Name: "outer", OnCommit: func() { order = append(order, "outer") }})
	err := root.Execute(ctx, func(ctx context.Context, tx *Transaction) error {
		first, err := tx.Inner(Options{Name: "first", OnCommit: func() { order = append(order, "first") }})
		if err != nil {
			return err
		}
		if err := first.Execute(ctx, func(ctx context.Context, tx *Transaction) error {
			nested, err := tx.Inner(Options{Name: "nested", OnCommit: func() { order = append(order, "nested") }})
			if err != nil {
				return err
			}
			return nested.Execute(ctx, func(ctx context.Context, tx *Transaction) error { return nil })
		}); err != nil {
			return err
		}
		// No descendant callback may fire before the root commits.
		if len(order) != 0 {
			return trace.Errorf("onCommit fired before outer commit: %v", order)
		}
		second, err := tx.Inner(Options{Name: "second", OnCommit: func() { order = append(order, "second") }})
		if err != nil {
			return err
		}
		return second.Execute(ctx, func(ctx context.Context, tx *Transaction) error { return nil })
	})
	require.NoError(t, err)
	require.Equal(t, []string{"nested", "first", "second", "outer"}, order)
}

func TestOnCommitPanicDoesNotAbortCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var outerRan bool
	root := Begin(Options{Name: "outer", OnCommit: func() { outerRan = true }})
	err := root.Execute(ctx, func(ctx context.Context, tx *Transaction) error {
		inner, err := tx.Inner(Options{Name: "inner", OnCommit: func() { panic("callback failure") }})
		if err != nil {
			return err
		}
		return inner.Execute(ctx, func(ctx context.Context, tx *Transaction) error { return nil })
	})
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, root.Status())
	require.True(t, outerRan)
}

func TestRollbackHooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var rolledBack error
	var processRollbackRan bool
	root := Begin(Options{
		Name:       "outer",
		OnRollback: func(cause error) { rolledBack = cause },
		Impl: Impl{
			ProcessRollback: func(ctx context.Context, t *Transaction, cause error) error {
				processRollbackRan = true
				return nil
			},
		},
	})
	err := root.Execute(ctx, func(ctx context.Context, tx *Transaction) error {
		return trace.Wrap(ErrRollBack)
	})
	require.ErrorIs(t, err, ErrRollBack)
	require.ErrorIs(t, rolledBack, ErrRollBack)
	require.True(t, processRollbackRan)
}

func TestBeginHookFailureRejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	root := Begin(Options{
		Name: "outer",
		Impl: Impl{
			ProcessBegin: func(ctx context.Context, t *Transaction) error {
				return trace.Errorf("no resource")
			},
		},
	})
	err := root.Execute(ctx, func(ctx context.Context, tx *Transaction) error { return nil })
	require.ErrorContains(t, err, "no resource")
	require.Equal(t, StatusRolledBack, root.Status())
}

func TestDefineRequirements(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := Define(Reuse, nil, Options{})
	require.ErrorIs(t, err, ErrParentNotProvided)

	root := Begin(Options{Name: "outer"})
	_, err = Define(New, root, Options{})
	require.ErrorIs(t, err, ErrParentMayNotBeProvided)

	_, err = Define(Requirement(42), nil, Options{})
	require.ErrorIs(t, err, ErrRequirementUnknown)

	// ReuseOrNew picks the parent when given one.
	err = root.Execute(ctx, func(ctx context.Context, tx *Transaction) error {
		child, err := Define(ReuseOrNew, tx, Options{Name: "child"})
		if err != nil {
			return err
		}
		if child.Parent() != tx {
			return trace.Errorf("expected child of the running scope")
		}
		return child.Execute(ctx, func(ctx context.Context, tx *Transaction) error { return nil })
	})
	require.NoError(t, err)

	// ReuseOrNew without a parent opens a root.
	solo, err := Define(ReuseOrNew, nil, Options{Name: "solo"})
	require.NoError(t, err)
	require.Nil(t, solo.Parent())

	// A finished scope cannot be reused.
	_, err = Define(Reuse, root, Options{})
	require.ErrorIs(t, err, ErrParentNotProvided)
}

func TestExecuteRequiresFunction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	root := Begin(Options{Name: "outer"})
	err := root.Execute(ctx, nil)
	require.ErrorIs(t, err, ErrNoExecution)
	require.Equal(t, "TRANSACTION_EXECUTION_NOT_RETURNING_A_PROMISE", ErrNoExecution.Code)
	require.Equal(t, StatusRolledBack, root.Status())
}

func TestExecuteOncePerScope(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	root := Begin(Options{Name: "outer"})
	require.NoError(t, root.Execute(ctx, func(ctx context.Context, tx *Transaction) error { return nil }))
	err := root.Execute(ctx, func(ctx context.Context, tx *Transaction) error { return nil })
	require.Error(t, err)
}
