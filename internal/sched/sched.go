// Package sched runs the proxy's detached units of work: routed requests,
// asynchronous fan-out branches and admin recording traversals. A Group is
// a bounded task budget plus panic containment; tasks suspend at explicit
// points (budget acquire, barrier waits, reply channels) and the Group
// drains them all on shutdown.
package sched

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Group schedules detached tasks under a shared budget. The zero value is
// not usable; construct with New.
type Group struct {
	sem *semaphore.Weighted // nil = unbounded
	wg  sync.WaitGroup
	log *zap.Logger
}

// New builds a Group running at most limit concurrent tasks; limit <= 0
// means unbounded. Keep the budget comfortably above the deepest
// asynchronous fan-out: a task that spawns sub-tasks holds its slot while
// it waits for them.
func New(limit int, log *zap.Logger) *Group {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Group{log: log}
	if limit > 0 {
		g.sem = semaphore.NewWeighted(int64(limit))
	}
	return g
}

// Spawn runs fn as a detached task. It blocks the caller until a budget
// slot frees up, which is the backpressure point for fan-out-heavy
// traffic. Panics in fn are recovered and logged, never propagated.
func (g *Group) Spawn(fn func()) {
	if g.sem != nil {
		// The background context makes acquisition unconditional: a task
		// accepted into the budget always runs.
		_ = g.sem.Acquire(context.Background(), 1)
	}
	g.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("task panic", zap.Any("panic", r), zap.Stack("stack"))
			}
			if g.sem != nil {
				g.sem.Release(1)
			}
			g.wg.Done()
		}()
		fn()
	}()
}

// Wait blocks until every spawned task has finished, including tasks
// spawned while waiting.
func (g *Group) Wait() {
	g.wg.Wait()
}

// AddTaskFinally runs task detached on g and hands its result to finally
// on the same task once it returns. The continuation runs off the
// spawning caller's stack, so the caller is free the moment this returns;
// anything it needs afterwards must be captured by the closures.
func AddTaskFinally[T any](g *Group, task func() T, finally func(T)) {
	g.Spawn(func() {
		finally(task())
	})
}
