package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

var (
	ErrGlobalBufferFull = errors.New("workerpool: global buffer is full, wait for tasks to finish or increase the buffer size")
	ErrRoomBufferFull   = errors.New("workerpool: room buffer is full, wait for tasks to finish or increase the buffer size")
	ErrClosed           = errors.New("workerpool: closed")
)

type WorkerPool struct {
	config    Config
	taskQueue chan task
	done      chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup
	// submit is held shared while queueing and exclusively while Close
	// drains the queue.
	submit sync.RWMutex
}

// task is a queued job. drop releases it when the pool closes before it
// ran.
type task struct {
	run  func()
	drop func()
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room groups tasks whose results are collected together. Collect acts
// as the barrier: it returns once every task submitted to the room ran.
type Room[T any] struct {
	bufferSize int
	resultChan chan T
	wg         sync.WaitGroup
	wp         *WorkerPool
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		numberOfCPUs := runtime.NumCPU()
		numberOfWorkers := (numberOfCPUs * 3)
		config.WorkerCount = numberOfWorkers
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan task, config.GlobalBuffer),
		done:      make(chan struct{}),
	}

	wp.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for {
		select {
		case <-wp.done:
			return
		case t := <-wp.taskQueue:
			t.run()
		}
	}
}

// Close stops the workers after the tasks they are running finish.
// Queued tasks that never started are dropped; rooms waiting in Collect
// return without their results.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() { close(wp.done) })
	wp.workers.Wait()

	wp.submit.Lock()
	defer wp.submit.Unlock()
	for {
		select {
		case t := <-wp.taskQueue:
			t.drop()
		default:
			return
		}
	}
}

// CreateRoom returns a room whose result buffer holds size results
// without blocking the workers.
func CreateRoom[T any](wp *WorkerPool, size int) *Room[T] {
	if size < 1 {
		size = 1
	}
	return &Room[T]{
		bufferSize: size,
		resultChan: make(chan T, size),
		wp:         wp,
	}
}

// NewTaskWaitForFreeSlot queues job, blocking while the global buffer is
// full or until ctx is done.
func (ro *Room[T]) NewTaskWaitForFreeSlot(ctx context.Context, job func() T) error {
	ro.wp.submit.RLock()
	defer ro.wp.submit.RUnlock()

	select {
	case <-ro.wp.done:
		return ErrClosed
	default:
	}

	ro.wg.Add(1)
	t := task{
		run: func() {
			defer ro.wg.Done()
			ro.resultChan <- job()
		},
		drop: ro.wg.Done,
	}

	select {
	case ro.wp.taskQueue <- t:
		return nil
	case <-ro.wp.done:
		ro.wg.Done()
		return ErrClosed
	case <-ctx.Done():
		ro.wg.Done()
		return ctx.Err()
	}
}

// NewTask queues job or fails immediately when a buffer is full.
func (ro *Room[T]) NewTask(job func() T) error {
	if len(ro.wp.taskQueue) == cap(ro.wp.taskQueue) {
		return ErrGlobalBufferFull
	}

	if len(ro.resultChan) == cap(ro.resultChan) {
		return ErrRoomBufferFull
	}

	return ro.NewTaskWaitForFreeSlot(context.Background(), job)
}

// Collect waits for every queued task of the room and returns their
// results in completion order. The room must not be used afterwards.
func (ro *Room[T]) Collect() []T {
	go ro.waitAndClose()
	results := make([]T, 0, ro.bufferSize)

	for result := range ro.resultChan {
		results = append(results, result)
	}

	return results
}

func (ro *Room[T]) waitAndClose() {
	ro.wg.Wait()
	close(ro.resultChan)
}
