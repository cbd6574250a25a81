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

// Package transaction implements nested transactions that buffer data
// change notifications until the outermost commit. Inner transactions fold
// their buffers and onCommit callbacks into their parent; only a fully
// committed tree releases anything to the application.
package transaction

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"

	zerv "github.com/z-open/zerv-core"
	"github.com/z-open/zerv-core/lib/notify"
)

// Requirement states what a handler expects from the transactional scope
// it is given.
type Requirement int

const (
	// Reuse joins the provided parent transaction as an inner scope.
	Reuse Requirement = iota
	// New opens a root transaction; providing a parent is an error.
	New
	// ReuseOrNew joins the parent when one is provided, else opens a root.
	ReuseOrNew
)

// Status of a transaction.
type Status string

const (
	StatusRunning    Status = "running"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolledback"
)

// Error is a transaction failure with a stable code.
type Error struct {
	Code string
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Code }

var (
	// ErrParentNotProvided rejects a Reuse definition without a live parent.
	ErrParentNotProvided = &Error{Code: "PARENT_TRANSACTION_NOT_PROVIDED"}
	// ErrParentMayNotBeProvided rejects a New definition given a parent.
	ErrParentMayNotBeProvided = &Error{Code: "PARENT_TRANSACTION_MAY_NOT_BE_PROVIDED"}
	// ErrRequirementUnknown rejects an unknown requirement value.
	ErrRequirementUnknown = &Error{Code: "TRANSACTION_REQUIREMENT_UNKNOWN"}
	// ErrInnerNotAwaited fires when a scope reaches commit while an inner
	// transaction is still running.
	ErrInnerNotAwaited = &Error{Code: "INNER_TRANSACTION_NOT_AWAITED"}
	// ErrInnerRolledBack fires when a scope reaches commit after an inner
	// transaction rolled back.
	ErrInnerRolledBack = &Error{Code: "INNER_TRANSACTION_ROLLED_BACK"}
	// ErrNoExecution rejects Execute without a function to run. The code
	// string predates this implementation; clients match on it.
	ErrNoExecution = &Error{Code: "TRANSACTION_EXECUTION_NOT_RETURNING_A_PROMISE"}
	// ErrRollBack is returned by handlers that want the scope rolled back
	// without a more specific failure.
	ErrRollBack = &Error{Code: "ROLL_BACK"}
)

// Kind of a buffered notification.
type Kind string

const (
	KindCreation Kind = "creation"
	KindUpdate   Kind = "update"
	KindDelete   Kind = "delete"
)

// Notification is one buffered data change.
type Notification struct {
	Kind     Kind
	TenantID string
	Name     string
	Objects  []any
}

// Impl hooks a transaction to an actual resource (a database handle, a
// message batch). All fields may be nil.
type Impl struct {
	ProcessBegin         func(ctx context.Context, t *Transaction) error
	ProcessCommit        func(ctx context.Context, t *Transaction) error
	ProcessRollback      func(ctx context.Context, t *Transaction, cause error) error
	ProcessInnerBegin    func(ctx context.Context, t *Transaction) error
	ProcessInnerCommit   func(ctx context.Context, t *Transaction) error
	ProcessInnerRollback func(ctx context.Context, t *Transaction, cause error) error
}

// Options configures a transaction.
type Options struct {
	// Name identifies the scope in logs.
	Name string
	// TenantID scopes the transaction's notifications by default.
	TenantID string
	// User is the payload of the user on whose behalf the scope runs.
	User any
	// Impl hooks the scope to a resource.
	Impl Impl
	// OnCommit runs after the outermost transaction committed (descendants
	// first, in subtree post-order).
	OnCommit func()
	// OnRollback runs when this scope rolls back.
	OnRollback func(cause error)
	// Notifier receives the buffered notifications at root commit. Inner
	// scopes inherit the root's.
	Notifier notify.Notifier
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// Transaction is one node of a transaction tree.
type Transaction struct {
	opts     Options
	parent   *Transaction
	level    int
	notifier notify.Notifier
	logger   *slog.Logger

	mu               sync.Mutex
	status           Status
	executed         bool
	children         []*Transaction
	notifications    []Notification
	innerCommitStack []func()
}

// Define opens a transaction scope per the handler's requirement.
func Define(req Requirement, parent *Transaction, opts Options) (*Transaction, error) {
	switch req {
	case Reuse:
		if parent == nil || parent.Status() != StatusRunning {
			return nil, trace.Wrap(ErrParentNotProvided)
		}
		return newChild(parent, opts), nil
	case New:
		if parent != nil {
			return nil, trace.Wrap(ErrParentMayNotBeProvided)
		}
		return newRoot(opts), nil
	case ReuseOrNew:
		if parent != nil {
			if parent.Status() != StatusRunning {
				return nil, trace.Wrap(ErrParentNotProvided)
			}
			return newChild(parent, opts), nil
		}
		return newRoot(opts), nil
	default:
		return nil, trace.Wrap(ErrRequirementUnknown)
	}
}

// Begin opens a root transaction.
func Begin(opts Options) *Transaction {
	return newRoot(opts)
}

// Inner opens an inner scope on t.
func (t *Transaction) Inner(opts Options) (*Transaction, error) {
	return Define(Reuse, t, opts)
}

func newRoot(opts Options) *Transaction {
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.With(zerv.ComponentKey, zerv.ComponentTransaction)
	}
	return &Transaction{
		opts:     opts,
		status:   StatusRunning,
		notifier: opts.Notifier,
		logger:   opts.Logger,
	}
}

func newChild(parent *Transaction, opts Options) *Transaction {
	if opts.TenantID == "" {
		opts.TenantID = parent.opts.TenantID
	}
	child := &Transaction{
		opts:     opts,
		parent:   parent,
		level:    parent.level + 1,
		status:   StatusRunning,
		notifier: parent.notifier,
		logger:   parent.logger,
	}
	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.mu.Unlock()
	return child
}

// Name returns the scope name.
func (t *Transaction) Name() string { return t.opts.Name }

// Level returns the nesting depth, 0 for a root.
func (t *Transaction) Level() int { return t.level }

// Parent returns the enclosing scope, nil for a root.
func (t *Transaction) Parent() *Transaction { return t.parent }

// User returns the payload the scope was opened for.
func (t *Transaction) User() any { return t.opts.User }

// Status returns the scope status.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// NotifyCreation buffers a creation notification. An empty tenantID uses
// the scope's tenant.
func (t *Transaction) NotifyCreation(tenantID, name string, objs ...any) {
	t.buffer(KindCreation, tenantID, name, objs)
}

// NotifyUpdate buffers an update notification.
func (t *Transaction) NotifyUpdate(tenantID, name string, objs ...any) {
	t.buffer(KindUpdate, tenantID, name, objs)
}

// NotifyDelete buffers a delete notification.
func (t *Transaction) NotifyDelete(tenantID, name string, objs ...any) {
	t.buffer(KindDelete, tenantID, name, objs)
}

func (t *Transaction) buffer(kind Kind, tenantID, name string, objs []any) {
	if tenantID == "" {
		tenantID = t.opts.TenantID
	}
	t.mu.Lock()
	t.notifications = append(t.notifications, Notification{
		Kind:     kind,
		TenantID: tenantID,
		Name:     name,
		Objects:  objs,
	})
	t.mu.Unlock()
}

// Execute runs fn inside the scope: begin, fn, commit checks, commit; any
// failure along the way rolls the scope back and propagates the first
// error. Execute may be called once per scope.
func (t *Transaction) Execute(ctx context.Context, fn func(ctx context.Context, t *Transaction) error) error {
	t.mu.Lock()
	if t.executed || t.status != StatusRunning {
		t.mu.Unlock()
		return trace.BadParameter("transaction %q already executed", t.opts.Name)
	}
	t.executed = true
	t.mu.Unlock()

	if fn == nil {
		return t.rollback(ctx, trace.Wrap(ErrNoExecution))
	}
	if err := t.begin(ctx); err != nil {
		return t.rollback(ctx, trace.Wrap(err))
	}
	if err := fn(ctx, t); err != nil {
		return t.rollback(ctx, trace.Wrap(err))
	}
	if err := t.checkCommittable(); err != nil {
		return t.rollback(ctx, trace.Wrap(err))
	}
	if err := t.processCommit(ctx); err != nil {
		return t.rollback(ctx, trace.Wrap(err))
	}
	t.commit()
	return nil
}

func (t *Transaction) begin(ctx context.Context) error {
	hook := t.opts.Impl.ProcessBegin
	if t.parent != nil {
		hook = t.opts.Impl.ProcessInnerBegin
	}
	if hook == nil {
		return nil
	}
	return trace.Wrap(hook(ctx, t))
}

// checkCommittable enforces the tree lifecycle rules: every child must
// have committed, and the parent must still be running.
func (t *Transaction) checkCommittable() error {
	if t.parent != nil && t.parent.Status() != StatusRunning {
		return trace.Wrap(ErrInnerNotAwaited)
	}
	t.mu.Lock()
	children := make([]*Transaction, len(t.children))
	copy(children, t.children)
	t.mu.Unlock()
	for _, child := range children {
		switch child.Status() {
		case StatusRunning:
			return trace.Wrap(ErrInnerNotAwaited)
		case StatusRolledBack:
			return trace.Wrap(ErrInnerRolledBack)
		}
	}
	return nil
}

func (t *Transaction) processCommit(ctx context.Context) error {
	hook := t.opts.Impl.ProcessCommit
	if t.parent != nil {
		hook = t.opts.Impl.ProcessInnerCommit
	}
	if hook == nil {
		return nil
	}
	return trace.Wrap(hook(ctx, t))
}

// commit marks the scope committed and releases its buffers: inner scopes
// fold notifications and onCommit callbacks into the parent; the root
// dispatches notifications to the notifier, then drains the accumulated
// callback stack in order, its own callback last.
func (t *Transaction) commit() {
	t.mu.Lock()
	t.status = StatusCommitted
	notifications := t.notifications
	t.notifications = nil
	stack := t.innerCommitStack
	t.innerCommitStack = nil
	t.mu.Unlock()

	if t.parent != nil {
		if t.opts.OnCommit != nil {
			stack = append(stack, t.opts.OnCommit)
		}
		t.parent.mu.Lock()
		t.parent.notifications = append(t.parent.notifications, notifications...)
		t.parent.innerCommitStack = append(t.parent.innerCommitStack, stack...)
		t.parent.mu.Unlock()
		return
	}

	t.dispatch(notifications)
	if t.opts.OnCommit != nil {
		stack = append(stack, t.opts.OnCommit)
	}
	for _, cb := range stack {
		t.runCommitCallback(cb)
	}
}

func (t *Transaction) dispatch(notifications []Notification) {
	for _, n := range notifications {
		switch n.Kind {
		case KindCreation:
			t.notifier.NotifyCreation(n.TenantID, n.Name, n.Objects)
		case KindUpdate:
			t.notifier.NotifyUpdate(n.TenantID, n.Name, n.Objects)
		case KindDelete:
			t.notifier.NotifyDelete(n.TenantID, n.Name, n.Objects)
		}
	}
}

// runCommitCallback shields the commit from callback panics: the commit
// already happened, a failing callback is irrecoverable but must not undo
// the others.
func (t *Transaction) runCommitCallback(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Irrecoverable onCommit callback failure.",
				"transaction", t.opts.Name, "error", r)
		}
	}()
	cb()
}

func (t *Transaction) rollback(ctx context.Context, cause error) error {
	hook := t.opts.Impl.ProcessRollback
	if t.parent != nil {
		hook = t.opts.Impl.ProcessInnerRollback
	}
	if hook != nil {
		if err := hook(ctx, t, cause); err != nil {
			t.logger.Warn("Rollback hook failed.",
				"transaction", t.opts.Name, "error", err)
		}
	}
	if t.opts.OnRollback != nil {
		t.opts.OnRollback(cause)
	}
	t.mu.Lock()
	t.status = StatusRolledBack
	t.notifications = nil
	t.innerCommitStack = nil
	t.mu.Unlock()
	return cause
}
