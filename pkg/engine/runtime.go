package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jihwankim/packet-mangler/pkg/carrier"
	"github.com/jihwankim/packet-mangler/pkg/mods"
	"github.com/jihwankim/packet-mangler/pkg/monitoring"
	"github.com/jihwankim/packet-mangler/pkg/netfilter"
	"github.com/jihwankim/packet-mangler/pkg/nfqueue"
	"github.com/jihwankim/packet-mangler/pkg/plan"
	"github.com/jihwankim/packet-mangler/pkg/reporting"
)

// Runtime executes a single test.
type Runtime struct {
	test       *plan.Test
	log        *reporting.Logger
	driver     nfqueue.Driver
	injector   nfqueue.Injector
	controller RuleController
	suiteSeed  int64

	// passThrough flips when a non-optional modification fails; from
	// then on every packet is accepted unmodified while the command
	// finishes.
	passThrough atomic.Bool

	mu        sync.Mutex
	firstErr  error
	diverted  int64
	injected  int64
	dropped   int64
}

// NewRuntime wires a runtime for one test.
func NewRuntime(test *plan.Test, log *reporting.Logger, driver nfqueue.Driver, injector nfqueue.Injector, controller RuleController, suiteSeed int64) *Runtime {
	return &Runtime{
		test:       test,
		log:        log,
		driver:     driver,
		injector:   injector,
		controller: controller,
		suiteSeed:  suiteSeed,
	}
}

// goldenRatio64 is the fractional part of the golden ratio scaled to
// 2^64, i.e. 0x9E3779B97F4A7C15 reinterpreted as a signed int64.
const goldenRatio64 int64 = -7046029254386353131

// workerSeed derives the deterministic RNG seed for one queue worker
// from (suite seed, test index, queue number).
func (rt *Runtime) workerSeed(qnum uint16) int64 {
	return rt.suiteSeed ^ (int64(rt.test.Index+1) * goldenRatio64) ^ int64(qnum)
}

func (rt *Runtime) recordErr(err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.firstErr == nil {
		rt.firstErr = err
	}
}

// Run executes the test and always returns a result; the error return
// is reserved for internal invariant violations that must abort the
// suite after teardown.
func (rt *Runtime) Run(ctx context.Context) (res reporting.TestResult, runErr error) {
	res = reporting.TestResult{
		Index:     rt.test.Index,
		StartTime: time.Now(),
		Params:    rt.test.ParamTuple(),
		Command:   rt.test.Command(0),
	}

	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("internal: panic during test %d: %v", rt.test.Index, r)
			res.Status = reporting.StatusFailed
			res.Notes = runErr.Error()
		}
		res.EndTime = time.Now()
		rt.mu.Lock()
		res.PacketsDiverted = int(rt.diverted)
		res.PacketsReinjected = int(rt.injected)
		res.PacketsDropped = int(rt.dropped)
		rt.mu.Unlock()
	}()

	// Diversion rules go in first and come out last, on every path.
	if err := rt.controller.Install(rt.test.Rules); err != nil {
		res.Status = reporting.StatusSetupError
		res.Notes = (&SetupError{Err: err}).Error()
		return res, nil
	}
	defer func() {
		if err := rt.controller.Uninstall(); err != nil {
			rt.log.Error("diversion rule teardown incomplete", "test", rt.test.Index, "error", err)
		}
	}()

	outQnums, inQnums := netfilter.QueuePairs(rt.test.Rules)

	// Queue lifetime is bounded by this context so Close and the
	// driver's receive loops end together.
	qctx, qcancel := context.WithCancel(ctx)
	defer qcancel()

	type boundQueue struct {
		q        nfqueue.Queue
		qnum     uint16
		pipeline *mods.Pipeline
		dir      string
	}
	var queues []boundQueue
	defer func() {
		for _, bq := range queues {
			rt.drain(bq.q)
			if err := bq.q.Close(); err != nil {
				rt.log.Warn("queue close failed", "queue", bq.qnum, "error", err)
			}
		}
	}()

	for _, qnum := range outQnums {
		q, err := rt.driver.Open(qctx, qnum)
		if err != nil {
			res.Status = reporting.StatusSetupError
			res.Notes = (&SetupError{Err: err}).Error()
			return res, nil
		}
		queues = append(queues, boundQueue{q: q, qnum: qnum, pipeline: rt.test.Output, dir: "output"})
	}
	for _, qnum := range inQnums {
		q, err := rt.driver.Open(qctx, qnum)
		if err != nil {
			res.Status = reporting.StatusSetupError
			res.Notes = (&SetupError{Err: err}).Error()
			return res, nil
		}
		queues = append(queues, boundQueue{q: q, qnum: qnum, pipeline: rt.test.Input, dir: "input"})
	}

	cmdline := rt.test.Command(0)
	rt.log.Info("starting test", "test", rt.test.Index, "cmd", cmdline,
		"input", rt.test.Input.Describe(), "output", rt.test.Output.Describe())

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		res.Status = reporting.StatusSetupError
		res.Notes = (&SetupError{Err: err}).Error()
		return res, nil
	}

	cmdDone := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(cmdDone)
	}()

	// One worker per queue; the pipeline is applied serially within a
	// queue while queues of both directions run concurrently.
	g, wctx := errgroup.WithContext(qctx)
	for _, bq := range queues {
		bq := bq
		rc := mods.NewRunContext(rt.workerSeed(bq.qnum), rt.log.WithField("queue", bq.qnum))
		g.Go(func() error {
			return rt.serveQueue(wctx, cmdDone, bq.q, bq.pipeline, bq.dir, rc)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		rt.recordErr(err)
	}

	// Reap the command. Workers only stop after cmdDone or
	// cancellation, so this does not block forever.
	select {
	case <-cmdDone:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-cmdDone
	}

	if ctx.Err() != nil {
		res.Status = reporting.StatusCancelled
		res.Notes = "suite cancelled"
		res.ExitStatus = -1
		return res, nil
	}

	res.ExitStatus = cmd.ProcessState.ExitCode()

	rt.mu.Lock()
	pipelineErr := rt.firstErr
	rt.mu.Unlock()

	switch {
	case pipelineErr != nil:
		res.Status = reporting.StatusFailed
		res.Notes = pipelineErr.Error()
	case waitErr == nil && res.ExitStatus == 0:
		res.Status = reporting.StatusPassed
	default:
		res.Status = reporting.StatusFailed
		if res.ExitStatus != 0 {
			res.Notes = fmt.Sprintf("command exited %d", res.ExitStatus)
		} else if waitErr != nil {
			res.Notes = waitErr.Error()
		}
	}
	return res, nil
}

// serveQueue routes every packet of one queue through the pipeline
// until the command exits or the test is cancelled.
func (rt *Runtime) serveQueue(ctx context.Context, cmdDone <-chan struct{}, q nfqueue.Queue, pipeline *mods.Pipeline, dir string, rc *mods.RunContext) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cmdDone:
			return nil
		case pkt, ok := <-q.Packets():
			if !ok {
				return nil
			}
			rt.mu.Lock()
			rt.diverted++
			rt.mu.Unlock()
			monitoring.PacketsDiverted.WithLabelValues(dir).Inc()

			if err := rt.handlePacket(ctx, q, pipeline, dir, rc, pkt); err != nil {
				return err
			}
		}
	}
}

// handlePacket applies the pipeline to one intercepted packet and
// re-injects the result. A non-optional modification failure records
// the error, flips the runtime into pass-through, and accepts the
// packet unchanged so the command can finish.
func (rt *Runtime) handlePacket(ctx context.Context, q nfqueue.Queue, pipeline *mods.Pipeline, dir string, rc *mods.RunContext, pkt nfqueue.RawPacket) error {
	if rt.passThrough.Load() {
		return q.SetVerdict(pkt.ID, nfqueue.VerdictAccept, nil)
	}

	in := carrier.FromPacket(carrier.Parse(pkt.Data))
	out, err := pipeline.Apply(rc, in)
	if err != nil {
		rt.recordErr(err)
		rt.passThrough.Store(true)
		rt.log.Error("pipeline failed, accepting remaining packets", "direction", dir, "error", err)
		return q.SetVerdict(pkt.ID, nfqueue.VerdictAccept, nil)
	}

	entries := out.Entries()
	if len(entries) == 0 {
		rt.mu.Lock()
		rt.dropped++
		rt.mu.Unlock()
		monitoring.PacketsDropped.WithLabelValues(dir).Inc()
		return q.SetVerdict(pkt.ID, nfqueue.VerdictDrop, nil)
	}

	// The first entry rides the original packet's verdict; the rest go
	// out through the raw injector, in order, honouring delays.
	first := entries[0]
	verdict := nfqueue.VerdictAcceptModified
	payload := first.Packet.Bytes()
	if bytes.Equal(payload, pkt.Data) {
		verdict = nfqueue.VerdictAccept
		payload = nil
	}
	if err := q.SetVerdict(pkt.ID, verdict, payload); err != nil {
		return fmt.Errorf("verdict for packet %d: %w", pkt.ID, err)
	}
	rt.mu.Lock()
	rt.injected++
	rt.mu.Unlock()
	monitoring.PacketsReinjected.WithLabelValues(dir).Inc()
	if err := rt.wait(ctx, first.Delay); err != nil {
		return err
	}

	for _, e := range entries[1:] {
		if err := rt.injector.Inject(e.Packet); err != nil {
			rt.recordErr(err)
			rt.log.Warn("re-injection failed", "direction", dir, "error", err)
			continue
		}
		rt.mu.Lock()
		rt.injected++
		rt.mu.Unlock()
		monitoring.PacketsReinjected.WithLabelValues(dir).Inc()
		if err := rt.wait(ctx, e.Delay); err != nil {
			return err
		}
	}
	return nil
}

// wait sleeps for the entry's post-delay, abandoning the wait on
// cancellation.
func (rt *Runtime) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// drain empties a queue after the command exited, accepting anything
// still pending so the kernel keeps no backlog.
func (rt *Runtime) drain(q nfqueue.Queue) {
	for {
		select {
		case pkt, ok := <-q.Packets():
			if !ok {
				return
			}
			if err := q.SetVerdict(pkt.ID, nfqueue.VerdictAccept, nil); err != nil {
				rt.log.Warn("drain verdict failed", "error", err)
			}
		default:
			return
		}
	}
}
