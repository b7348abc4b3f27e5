// Package aio runs page reads on a fixed pool of I/O workers.
//
// Submit enqueues a read and returns a Handle at once; the result is observed
// with Handle.Poll or a bounded Handle.Wait. A caller that stops waiting does
// not cancel the read, it completes on its own and its result is discarded.
package aio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	"branchdb/pkg/dberrors"
	"branchdb/pkg/perf"
)

var ErrQueueFull = fmt.Errorf("io queue full: %w", dberrors.ErrCapacityExceeded)

// Request describes one positioned read.
type Request struct {
	File   io.ReaderAt
	Offset int64
	Length int
	// Decode, when set, runs on the worker over the bytes read.
	Decode func(raw []byte) ([]byte, error)
	// OnComplete, when set, runs on the worker with the final result before
	// the handle is marked done.
	OnComplete func(data []byte, err error)
}

// Handle is the completion token of a submitted request.
type Handle struct {
	done chan struct{}
	data []byte
	err  error
}

// Done is closed when the request completes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result is the outcome of a completed request.
type Result struct {
	Data []byte
	Err  error
}

// Poll returns the result without blocking. ok is false while the read is in flight.
func (h *Handle) Poll() (res Result, ok bool) {
	select {
	case <-h.done:
		return Result{Data: h.data, Err: h.err}, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the request completes or ctx ends.
func (h *Handle) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-h.done:
		return h.data, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type task struct {
	req    Request
	handle *Handle
}

// Stats counts queue activity.
type Stats struct {
	Submitted uint64
	Completed uint64
	Rejected  uint64
}

// Queue is a bounded submission queue served by a fixed set of workers.
type Queue struct {
	tasks chan task
	perf  *perf.Context

	wg       sync.WaitGroup
	submitMu sync.RWMutex
	closed   atomic.Bool

	submitted atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
}

// NewQueue starts workers goroutines serving a queue of depth pending requests.
func NewQueue(workers, depth int, pc *perf.Context) *Queue {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if depth <= 0 {
		depth = workers * 2
	}

	q := &Queue{
		tasks: make(chan task, depth),
		perf:  pc,
	}

	q.wg.Add(workers)
	for range workers {
		go q.worker()
	}

	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for t := range q.tasks {
		q.run(t)
	}
}

func (q *Queue) run(t task) {
	timer := q.perf.Start()
	data, err := read(t.req)
	timer.Stop(perf.IORead)

	if err == nil && t.req.Decode != nil {
		data, err = t.req.Decode(data)
	}
	if err != nil {
		data = nil
	}

	t.handle.data, t.handle.err = data, err
	if t.req.OnComplete != nil {
		t.req.OnComplete(data, err)
	}
	close(t.handle.done)
	q.completed.Add(1)
}

func read(req Request) ([]byte, error) {
	if req.Length < 0 || req.Offset < 0 {
		return nil, fmt.Errorf("read at %d length %d: %w", req.Offset, req.Length, dberrors.ErrInvalidArgument)
	}
	buf := make([]byte, req.Length)
	n, err := req.File.ReadAt(buf, req.Offset)
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, dberrors.IOError(fmt.Sprintf("read %d bytes at %d", req.Length, req.Offset), err)
}

// Submit enqueues req without blocking. It fails with ErrQueueFull when the queue is at depth.
func (q *Queue) Submit(req Request) (*Handle, error) {
	q.submitMu.RLock()
	defer q.submitMu.RUnlock()

	if q.closed.Load() {
		return nil, dberrors.ErrClosed
	}

	timer := q.perf.Start()
	defer timer.Stop(perf.IOSubmit)

	h := &Handle{done: make(chan struct{})}
	select {
	case q.tasks <- task{req: req, handle: h}:
		q.submitted.Add(1)
		return h, nil
	default:
		q.rejected.Add(1)
		return nil, ErrQueueFull
	}
}

// ReadSync performs req on the calling goroutine, bypassing the queue.
func (q *Queue) ReadSync(req Request) ([]byte, error) {
	timer := q.perf.Start()
	data, err := read(req)
	timer.Stop(perf.IORead)
	if err != nil {
		return nil, err
	}
	if req.Decode != nil {
		return req.Decode(data)
	}
	return data, nil
}

func (q *Queue) Stats() Stats {
	return Stats{
		Submitted: q.submitted.Load(),
		Completed: q.completed.Load(),
		Rejected:  q.rejected.Load(),
	}
}

// Close stops accepting requests, finishes the queued ones, and waits for the workers.
func (q *Queue) Close() {
	if !q.closed.CompareAndSwap(false, true) {
		return
	}

	q.submitMu.Lock()
	close(q.tasks)
	q.submitMu.Unlock()

	q.wg.Wait()
}
