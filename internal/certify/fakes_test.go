// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package certify

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/failover"
	"github.com/westerndigitalcorporation/mpathcert/internal/history"
	"github.com/westerndigitalcorporation/mpathcert/internal/journal"
	test "github.com/westerndigitalcorporation/mpathcert/pkg/testutil"
)

// fakeSAN is a multipath device whose paths can be blocked. Probes see a
// change only after 'lag' probes, like a path checker would. It serves as
// both the failover.Prober and the failimpl.Strategy of a test.
type fakeSAN struct {
	lock sync.Mutex

	paths   int
	block   int // paths blocked by Inject
	expect  int // Expected reported by Inject, 'block' if zero
	lag     int
	blocked int // blocked now
	visible int // blocked as probes see it
	pending int

	name       string
	policy     failover.Policy
	partial    int // paths left blocked by a failed Inject
	injectErr  error
	restoreErr error
	onRestore  func()

	injects, restores int
}

func newFakeSAN(paths, block, lag int) *fakeSAN {
	return &fakeSAN{paths: paths, block: block, lag: lag}
}

func (f *fakeSAN) Probe(ctx context.Context, dev core.DeviceIdentity, activeOnly bool) ([]core.PathRecord, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.visible != f.blocked {
		f.pending++
		if f.pending >= f.lag {
			f.visible, f.pending = f.blocked, 0
		}
	}
	var out []core.PathRecord
	for i := 0; i < f.paths; i++ {
		p := core.PathRecord{
			Location: fmt.Sprintf("%d:0:0:1", i+2),
			Devnode:  fmt.Sprintf("sd%c", 'b'+i),
			Status:   core.PathActive,
			Checker:  "ready",
		}
		if i < f.visible {
			p.Status, p.Checker = core.PathFailed, "faulty"
		}
		if activeOnly && p.Status != core.PathActive {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeSAN) Name() string {
	if f.name != "" {
		return f.name
	}
	return "fake"
}

func (f *fakeSAN) Detection() failover.Policy { return f.policy }

func (f *fakeSAN) Inject(ctx context.Context, paths []core.PathRecord) (core.FaultInjection, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.injects++
	if f.injectErr != nil {
		f.blocked = f.partial
		return core.FaultInjection{Chosen: f.partial, Total: len(paths), Descriptor: "ports=1"}, f.injectErr
	}
	f.blocked = f.block
	exp := f.expect
	if exp == 0 {
		exp = f.block
	}
	return core.FaultInjection{Chosen: f.block, Total: len(paths), Expected: exp, Descriptor: "password=secret,ports=1"}, nil
}

func (f *fakeSAN) Restore(ctx context.Context, fi core.FaultInjection) error {
	f.lock.Lock()
	f.restores++
	if f.restoreErr != nil {
		f.lock.Unlock()
		return f.restoreErr
	}
	f.blocked = 0
	cb := f.onRestore
	f.lock.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

// fakeWriter answers writes with fixed samples. Only the first 'okWrites'
// writes succeed if it's positive.
type fakeWriter struct {
	lock     sync.Mutex
	calls    int
	baseline time.Duration
	okWrites int
}

func (w *fakeWriter) WriteAndTime(ctx context.Context, device string, size int64) (core.IOSample, error) {
	w.lock.Lock()
	w.calls++
	n := w.calls
	w.lock.Unlock()

	// Keep the I/O loop from spinning while the monitor runs.
	time.Sleep(100 * time.Microsecond)
	if w.okWrites > 0 && n > w.okWrites {
		return core.IOSample{}, core.ErrIO.Errorf("write %d to %s: I/O error", n, device)
	}
	el := 100 * time.Millisecond
	if n == 1 && w.baseline > 0 {
		el = w.baseline
	}
	return core.IOSample{Elapsed: el, Bytes: size, Throughput: "10.5 MB/s"}, nil
}

type fakeProvisioner struct {
	dev        core.DeviceIdentity
	err        error
	releaseErr error
	releases   int
}

func (p *fakeProvisioner) Provision(ctx context.Context) (core.DeviceIdentity, error) {
	return p.dev, p.err
}

func (p *fakeProvisioner) Release(ctx context.Context, dev core.DeviceIdentity) error {
	p.releases++
	return p.releaseErr
}

// hangWriter writes like fakeWriter while no path is blocked, and otherwise
// blocks until its context is done, like a write queued on a map without
// usable paths.
type hangWriter struct {
	fakeWriter
	san *fakeSAN
}

func (w *hangWriter) WriteAndTime(ctx context.Context, device string, size int64) (core.IOSample, error) {
	w.san.lock.Lock()
	blocked := w.san.blocked
	w.san.lock.Unlock()
	if blocked == 0 {
		return w.fakeWriter.WriteAndTime(ctx, device, size)
	}
	<-ctx.Done()
	return core.IOSample{}, core.ErrIO.Errorf("write to %s: %s", device, ctx.Err())
}

// memJournal is an in-memory FaultJournal and PendingJournal.
type memJournal struct {
	next      uint64
	entries   map[uint64]journal.Entry
	done      []uint64
	commitErr error
}

func newMemJournal() *memJournal {
	return &memJournal{entries: make(map[uint64]journal.Entry)}
}

func (j *memJournal) Begin(e journal.Entry) (uint64, error) {
	j.next++
	e.ID = j.next
	j.entries[e.ID] = e
	return e.ID, nil
}

func (j *memJournal) Commit(id uint64, fi core.FaultInjection) error {
	if j.commitErr != nil {
		return j.commitErr
	}
	e := j.entries[id]
	e.Injection, e.Committed = fi, true
	j.entries[id] = e
	return nil
}

func (j *memJournal) Done(id uint64) error {
	delete(j.entries, id)
	j.done = append(j.done, id)
	return nil
}

func (j *memJournal) Pending() ([]journal.Entry, error) {
	var out []journal.Entry
	for id := uint64(1); id <= j.next; id++ {
		if e, ok := j.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

type memHistory struct {
	runs       []history.Run
	iterations []core.IterationResult
	topologies [][]core.PathRecord
	verdict    string
	ledger     core.CheckpointLedger
}

func (h *memHistory) StartRun(r history.Run) (int64, error) {
	h.runs = append(h.runs, r)
	return int64(len(h.runs)), nil
}

func (h *memHistory) PutIteration(run int64, it core.IterationResult, topology []core.PathRecord) error {
	h.iterations = append(h.iterations, it)
	h.topologies = append(h.topologies, topology)
	return nil
}

func (h *memHistory) FinishRun(run int64, finished time.Time, ledger core.CheckpointLedger, verdict string) error {
	h.ledger, h.verdict = ledger, verdict
	return nil
}

func testConfig(iterations int) Config {
	cfg := DefaultConfig
	cfg.PathHandler = "/opt/pathhandler"
	cfg.Iterations = iterations
	return cfg
}

func newTestOrchestrator(san *fakeSAN, cfg Config) (*Orchestrator, *bytes.Buffer) {
	var out bytes.Buffer
	return &Orchestrator{
		Config:      cfg,
		Provisioner: &fakeProvisioner{dev: core.DeviceIdentity{SCSIID: "36001405abcdef", DevicePath: "/nonexistent/mapper/mpatha", MappingName: "mpatha"}},
		Prober:      san,
		Strategy:    san,
		Writer:      &fakeWriter{},
		Report:      NewReport(&out),
		Journal:     newMemJournal(),
		History:     &memHistory{},
		Root:        "/dev/sda1",
		Clock:       test.NewFakeClock(),
	}, &out
}
