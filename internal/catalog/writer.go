package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("catalog: closed")

type job struct {
	ctx  context.Context
	fn   func(*Tx) error
	done chan error
}

// executor runs write closures one at a time on the writer handle.
type executor struct {
	conn *sql.DB
	jobs chan job

	closeOnce sync.Once
	quit      chan struct{}
	stopped   chan struct{}
}

func newExecutor(conn *sql.DB) *executor {
	e := &executor{
		conn:    conn,
		jobs:    make(chan job),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *executor) run() {
	defer close(e.stopped)
	for {
		select {
		case <-e.quit:
			return
		case j := <-e.jobs:
			j.done <- e.apply(j)
		}
	}
}

func (e *executor) apply(j job) error {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	sqlTx, err := e.conn.BeginTx(j.ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin tx: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck // no-op after commit

	if err := j.fn(&Tx{tx: sqlTx, ctx: j.ctx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit: %w", err)
	}
	return nil
}

func (e *executor) submit(ctx context.Context, fn func(*Tx) error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case e.jobs <- j:
	case <-e.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once accepted the job runs to completion so the caller learns whether
	// it committed.
	return <-j.done
}

func (e *executor) close() {
	e.closeOnce.Do(func() { close(e.quit) })
	<-e.stopped
}

// Write runs fn inside one transaction on the catalog's single writer.
// Writes are strictly serialized; fn's error rolls back everything it did.
func (db *DB) Write(ctx context.Context, fn func(*Tx) error) error {
	return db.exec.submit(ctx, fn)
}
