package rooms

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type publishJob struct {
	room string
	data []byte
}

// broadcastPool decouples event publishing from request handling with a
// bounded buffer and a fixed worker count. When the buffer is full the hub
// falls back to publishing inline.
type broadcastPool struct {
	hub     *Hub
	log     *log.Logger
	jobs    chan publishJob
	wg      sync.WaitGroup
	timeout time.Duration
	handoff time.Duration
}

func newBroadcastPool(hub *Hub, logger *log.Logger, workers, buffer int, timeout, handoff time.Duration) *broadcastPool {
	if workers <= 0 {
		workers = 8
	}
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := &broadcastPool{
		hub:     hub,
		log:     logger,
		jobs:    make(chan publishJob, buffer),
		timeout: timeout,
		handoff: handoff,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Infof("broadcast pool started, workers: %d, buffer: %d, timeout: %v, handoff: %v", workers, buffer, timeout, handoff)
	return p
}

func (p *broadcastPool) worker(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.hub.relay.Publish(ctx, j.room, j.data)
		cancel()
		if err != nil {
			p.log.Errorf("publish failed, err: %v, room: %s, worker: %d", err, j.room, id)
		}
	}
}

// tryEnqueue hands the job to a worker without blocking the caller beyond the
// configured handoff window. It reports false when the pool is saturated or
// shut down, in which case the caller publishes inline.
func (p *broadcastPool) tryEnqueue(job publishJob) bool {
	if ok, closed := trySendNonBlocking(p.jobs, job); closed {
		return false
	} else if ok {
		return true
	}

	if p.handoff <= 0 {
		return false
	}

	timer := time.NewTimer(p.handoff)
	defer timer.Stop()

	ok, closed := sendWithTimer(p.jobs, job, timer.C)
	if closed {
		return false
	}
	return ok
}

func (p *broadcastPool) shutdown() {
	close(p.jobs)
	p.wg.Wait()
}

func trySendNonBlocking(ch chan publishJob, job publishJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan publishJob, job publishJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	case <-timer:
		return false, false
	}
}
