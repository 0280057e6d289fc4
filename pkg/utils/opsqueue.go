package utils

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/parlo-health/parlo-call/pkg/logger"
)

// OpsQueue runs enqueued operations one at a time, in enqueue order, on a
// single goroutine. Enqueue never blocks and never drops while running.
type OpsQueue struct {
	logger logger.Logger
	name   string

	lock      sync.Mutex
	ops       *deque.Deque[func()]
	wake      chan struct{}
	done      chan struct{}
	isStarted bool
	isStopped bool
}

func NewOpsQueue(logger logger.Logger, name string) *OpsQueue {
	return &OpsQueue{
		logger: logger,
		name:   name,
		ops:    deque.New[func()](),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (oq *OpsQueue) SetLogger(logger logger.Logger) {
	oq.lock.Lock()
	oq.logger = logger
	oq.lock.Unlock()
}

func (oq *OpsQueue) Start() {
	oq.lock.Lock()
	if oq.isStarted {
		oq.lock.Unlock()
		return
	}
	oq.isStarted = true
	oq.lock.Unlock()

	go oq.process()
}

// Stop discards pending operations. The operation in progress, if any, completes.
func (oq *OpsQueue) Stop() {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return
	}
	oq.isStopped = true
	oq.ops.Clear()
	started := oq.isStarted
	oq.lock.Unlock()

	if !started {
		close(oq.done)
		return
	}
	oq.signal()
}

// Done is closed once the processing goroutine has exited.
func (oq *OpsQueue) Done() <-chan struct{} {
	return oq.done
}

func (oq *OpsQueue) IsStopped() bool {
	oq.lock.Lock()
	defer oq.lock.Unlock()
	return oq.isStopped
}

func (oq *OpsQueue) Enqueue(op func()) bool {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		oq.logger.Debugw("ops queue stopped, dropping op", "name", oq.name)
		return false
	}
	oq.ops.PushBack(op)
	oq.lock.Unlock()

	oq.signal()
	return true
}

func (oq *OpsQueue) signal() {
	select {
	case oq.wake <- struct{}{}:
	default:
	}
}

func (oq *OpsQueue) process() {
	defer close(oq.done)

	for range oq.wake {
		for {
			oq.lock.Lock()
			if oq.isStopped {
				oq.lock.Unlock()
				return
			}
			if oq.ops.Len() == 0 {
				oq.lock.Unlock()
				break
			}
			op := oq.ops.PopFront()
			oq.lock.Unlock()

			op()
		}
	}
}
