// Package daemon implements memfaultd's main pump: draining the durable
// queue, pacing uploads with exponential backoff on retryable failure, and
// the signal-driven shutdown/force-flush sequencing (spec §4.8, §5).
package daemon

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/memfault/memfaultd/internal/config"
	"github.com/memfault/memfaultd/internal/ipc"
	"github.com/memfault/memfaultd/internal/logging"
	"github.com/memfault/memfaultd/internal/queue"
	"github.com/memfault/memfaultd/internal/records"
	"github.com/memfault/memfaultd/internal/transport"
)

// overrideFloor is the starting point of the backoff sequence the main
// pump applies on consecutive retryable upload failures (spec §4.8 step 4:
// starts at 60s, doubles each consecutive failure); each sleep is capped
// by the configured upload interval in nextSleep.
const overrideFloor = 60 * time.Second

// Dispatcher delivers one decoded record to the network, classifying the
// outcome; it is the seam the main pump drains through.
type Dispatcher interface {
	Dispatch(ctx context.Context, tag records.Tag, rec any) (transport.Result, error)
}

// TransportDispatcher is the production Dispatcher, backed by a
// transport.Client.
type TransportDispatcher struct {
	Client *transport.Client
	Device transport.DeviceInfo
}

// Dispatch implements Dispatcher.
func (d *TransportDispatcher) Dispatch(ctx context.Context, tag records.Tag, rec any) (transport.Result, error) {
	switch tag {
	case records.TagRebootEvent:
		r := rec.(*records.RebootEvent)
		return d.Client.PostEvent(ctx, []byte(r.JSON))
	case records.TagAttributes:
		a := rec.(*records.Attributes)
		return d.Client.PostAttributes(ctx, []byte(a.JSONArray))
	case records.TagCoreUpload:
		c := rec.(*records.CoreUpload)
		result, err := d.Client.UploadCoredump(ctx, c.Filepath, d.Device)
		if result == transport.OK {
			_ = os.Remove(c.Filepath)
		}
		return result, err
	default:
		return transport.ErrorNoRetry, nil
	}
}

// Pump owns the queue-draining loop and its backoff state.
type Pump struct {
	cfg        *config.Store
	q          *queue.Queue
	dispatcher Dispatcher
	ipcServer  *ipc.Server
	log        *logging.Logger

	flushCh  chan struct{}
	stopping chan struct{}
	wg       sync.WaitGroup

	overrideInterval time.Duration
}

// New creates a Pump.
func New(cfg *config.Store, q *queue.Queue, dispatcher Dispatcher, ipcServer *ipc.Server) *Pump {
	return &Pump{
		cfg:              cfg,
		q:                q,
		dispatcher:       dispatcher,
		ipcServer:        ipcServer,
		log:              logging.Default().WithComponent("daemon"),
		flushCh:          make(chan struct{}, 1),
		stopping:         make(chan struct{}),
		overrideInterval: overrideFloor,
	}
}

// Run executes the main pump loop until ctx is canceled or SIGINT/SIGTERM
// arrives (spec §4.8). It also owns SIGINT/SIGTERM/SIGUSR1 handling.
func (p *Pump) Run(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	if p.ipcServer != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.ipcServer.Serve()
		}()
	}

	for {
		loopStart := time.Now()
		snap := p.cfg.Snapshot()
		interval := time.Duration(snap.UploadIntervalSeconds) * time.Second

		retried := p.drain(ctx)
		sleep := p.nextSleep(retried, interval)

		if !p.sleepUntil(ctx, sigCh, loopStart, sleep) {
			p.shutdown()
			return
		}
	}
}

// nextSleep computes how long the main loop should wait before its next
// drain, and updates the pump's backoff state (spec §4.8 step 4: starts at
// 60s on the first consecutive retryable failure, doubles thereafter,
// never exceeding the configured upload interval; resets to the floor on
// any iteration that drains without a retryable failure).
func (p *Pump) nextSleep(retried bool, interval time.Duration) time.Duration {
	if retried {
		sleep := p.overrideInterval
		if interval > 0 && interval < sleep {
			sleep = interval
		}
		p.overrideInterval *= 2
		return sleep
	}

	p.overrideInterval = overrideFloor
	if interval == 0 {
		// upload_interval_seconds == 0: never auto-upload, only explicit
		// flush (spec §4.8).
		return 0
	}
	return interval
}

// sleepUntil blocks until loopStart+sleep, SIGUSR1 (force flush, returns
// early but keeps looping), SIGINT/SIGTERM (returns false: caller should
// shut down), or ctx cancellation (also false). sleep of 0 blocks
// indefinitely for a signal.
func (p *Pump) sleepUntil(ctx context.Context, sigCh chan os.Signal, loopStart time.Time, sleep time.Duration) bool {
	var timer *time.Timer
	var timerCh <-chan time.Time
	if sleep > 0 {
		remaining := time.Until(loopStart.Add(sleep))
		if remaining < 0 {
			remaining = 0
		}
		timer = time.NewTimer(remaining)
		timerCh = timer.C
		defer timer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				return true
			default:
				return false
			}
		case <-timerCh:
			return true
		case <-p.flushCh:
			return true
		}
	}
}

// drain dispatches queue records until empty or a retryable failure is hit
// (spec §4.8 step 3), reporting whether it stopped on a retryable failure.
func (p *Pump) drain(ctx context.Context) (retriedFailure bool) {
	for {
		payload, ok := p.q.ReadHead()
		if !ok {
			return false
		}
		tag, rec, err := records.Decode(payload)
		if err != nil {
			p.log.Warn("dropping malformed queue record", "error", err)
			p.q.CompleteRead()
			continue
		}

		result, err := p.dispatcher.Dispatch(ctx, tag, rec)
		if err != nil {
			p.log.Warn("dispatch error, treating as retryable", "error", err)
			result = transport.ErrorRetryLater
		}

		switch result {
		case transport.OK:
			p.q.CompleteRead()
		case transport.ErrorNoRetry:
			p.log.Warn("upload rejected by server, dropping record", "tag", tag)
			p.q.CompleteRead()
		case transport.ErrorRetryLater:
			return true
		}
	}
}

// Flush requests an immediate drain, equivalent to SIGUSR1 (spec §4.8;
// memfaultd wires it to the SYNC IPC tag).
func (p *Pump) Flush() {
	select {
	case p.flushCh <- struct{}{}:
	default:
	}
}

func (p *Pump) shutdown() {
	if p.ipcServer != nil {
		p.ipcServer.Shutdown()
	}
	p.wg.Wait()
}
