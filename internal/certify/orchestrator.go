// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package certify runs the multipath failover certification: it provisions
// a device, checks its paths and baseline I/O, then repeatedly blocks some
// paths, times the failover while writing to the device, restores the paths
// and times the reconvergence. Every step earns a checkpoint in a report
// section.
package certify

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/mpathcert/internal/control"
	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/diskio"
	"github.com/westerndigitalcorporation/mpathcert/internal/failimpl"
	"github.com/westerndigitalcorporation/mpathcert/internal/failover"
	"github.com/westerndigitalcorporation/mpathcert/internal/history"
	"github.com/westerndigitalcorporation/mpathcert/internal/journal"
	"github.com/westerndigitalcorporation/mpathcert/internal/metrics"
	"github.com/westerndigitalcorporation/mpathcert/internal/mpath"
	"github.com/westerndigitalcorporation/mpathcert/pkg/retry"
	"github.com/westerndigitalcorporation/mpathcert/pkg/tokenbucket"
)

// PolicyResolver looks up the vendor attributes and multipath policy of a
// device. See mpath.Resolver.
type PolicyResolver interface {
	Resolve(ctx context.Context, dev core.DeviceIdentity) (map[string]string, core.MultipathPolicy, error)
}

// Writer issues timed writes. See diskio.Exerciser.
type Writer interface {
	WriteAndTime(ctx context.Context, device string, size int64) (core.IOSample, error)
}

// PatternChecker writes and verifies a data pattern. See diskio.Integrity.
type PatternChecker interface {
	Write(ctx context.Context, device string, blocks int, iter uint64) (diskio.Timing, error)
	Verify(ctx context.Context, device string, blocks int, iter uint64) (diskio.Timing, error)
}

// FaultJournal records faults until they're restored. See journal.Journal.
type FaultJournal interface {
	Begin(e journal.Entry) (uint64, error)
	Commit(id uint64, fi core.FaultInjection) error
	Done(id uint64) error
}

// RunHistory stores runs for later review. See history.SqliteDB.
type RunHistory interface {
	StartRun(r history.Run) (int64, error)
	PutIteration(run int64, it core.IterationResult, topology []core.PathRecord) error
	FinishRun(run int64, finished time.Time, ledger core.CheckpointLedger, verdict string) error
}

// Orchestrator runs a certification. Config, Provisioner, Prober, Strategy,
// Writer and Report are required; the rest may be nil.
type Orchestrator struct {
	Config      Config
	Provisioner Provisioner
	Prober      failover.Prober
	Strategy    failimpl.Strategy
	Writer      Writer
	Report      *Report

	Resolver  PolicyResolver
	Integrity PatternChecker
	Journal   FaultJournal
	History   RunHistory
	Abort     *control.Abort

	// Root is the root disk; no path of the device under test may be on it.
	Root string

	// Addresses maps SCSI hosts to target addresses for the path table.
	Addresses map[string]string

	// DeviceSize, if set, is used to estimate full-device timings.
	DeviceSize func(path string) (int64, error)

	// Clock for all waits. Nil means the real clock.
	Clock retry.Clock
}

// RunResult is everything a run found out.
type RunResult struct {
	RunID  int64
	Device core.DeviceIdentity

	Vendor map[string]string
	Policy core.MultipathPolicy

	// Paths is the setup probe.
	Paths    []core.PathRecord
	Baseline core.IOSample

	Iterations []core.IterationResult

	// NotApplicable is set for single-path devices.
	NotApplicable bool
	Aborted       bool
	Passed        bool

	FailoverTimes *metrics.LatencyStream
	RestoreTimes  *metrics.LatencyStream
	DegradedIO    *metrics.LatencyStream
}

// run is the state of one Run call.
type run struct {
	o     *Orchestrator
	res   *RunResult
	dev   core.DeviceIdentity
	clock retry.Clock
	stamp uint64

	// pace limits degraded writes to Config.IORate if set.
	pace *tokenbucket.TokenBucket

	setup, fo, integ *Section
}

// Run performs the certification. The returned error is the one that ended
// the run early, if any; iteration failures only show in the result and the
// report.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	clock := o.Clock
	if clock == nil {
		clock = retry.RealClock{}
	}
	r := &run{
		o: o,
		res: &RunResult{
			FailoverTimes: metrics.NewLatencyStream(),
			RestoreTimes:  metrics.NewLatencyStream(),
			DegradedIO:    metrics.NewLatencyStream(),
		},
		clock: clock,
		stamp: uint64(clock.Now().UnixNano()),
		setup: o.Report.Section(SectionSetup),
		fo:    o.Report.Section(SectionFailover),
	}
	if o.Config.Integrity && o.Integrity != nil {
		r.integ = o.Report.Section(SectionIntegrity)
	}
	if o.Config.IORate > 0 {
		r.pace = tokenbucket.New(o.Config.IORate, 1, clock)
	}

	err := r.run(ctx)

	if r.res.Iterations != nil {
		o.Report.Printf("")
		o.Report.Printf("Failover times:      %s", r.res.FailoverTimes)
		o.Report.Printf("Restore times:       %s", r.res.RestoreTimes)
		o.Report.Printf("Degraded write time: %s", r.res.DegradedIO)
	}
	o.Report.Summary()
	r.res.Passed = err == nil && o.Report.Passed()
	if o.History != nil && r.res.RunID != 0 {
		if err := o.History.FinishRun(r.res.RunID, clock.Now(), o.Report.Total(), o.Report.Verdict()); err != nil {
			log.Errorf("failed to finish run %d in history: %s", r.res.RunID, err)
		}
	}
	return r.res, err
}

func (r *run) run(ctx context.Context) (err error) {
	o := r.o
	r.setup.Expect(4)

	dev, err := o.Provisioner.Provision(ctx)
	if err != nil {
		r.setup.Fail("provisioning: %s", err)
		return err
	}
	r.dev, r.res.Device = dev, dev
	r.setup.Pass("provisioned %s", dev)
	defer func() {
		if rerr := o.Provisioner.Release(ctx, dev); rerr != nil {
			r.setup.Fail("release of %s: %s. Manual remediation: check 'multipath -ll %s' and detach the LUN by hand.",
				dev.DevicePath, rerr, dev.ProbeKey())
			if err == nil {
				err = rerr
			}
			return
		}
		r.setup.Pass("released %s", dev.DevicePath)
	}()

	if o.History != nil {
		id, herr := o.History.StartRun(history.Run{
			Started:    r.clock.Now(),
			Device:     dev.DevicePath,
			Mode:       o.Strategy.Name(),
			Iterations: o.Config.Iterations,
		})
		if herr != nil {
			log.Errorf("run won't be kept in history: %s", herr)
		}
		r.res.RunID = id
	}

	if mpath.IsRootDisk(dev.DevicePath, o.Root) {
		r.setup.Fail("%s is the root disk and can't be tested", dev.DevicePath)
		return core.ErrPrecondition.Errorf("%s is the root disk", dev.DevicePath)
	}

	paths, err := r.probeSetup(ctx)
	if err != nil {
		r.setup.Fail("path status of %s: %s", dev.ProbeKey(), err)
		return err
	}
	r.res.Paths = paths
	r.showPaths(paths)
	for _, p := range paths {
		if mpath.IsRootDisk(filepath.Join("/dev", p.Devnode), o.Root) {
			r.setup.Fail("path %s of %s is on the root disk %s", p.Location, dev.ProbeKey(), o.Root)
			return core.ErrPrecondition.Errorf("path %s is on the root disk", p.Devnode)
		}
	}
	active := core.CountActive(paths)
	metrics.ActivePaths.Set(float64(active))
	switch {
	case len(paths) == 0:
		r.setup.Fail("no paths to %s", dev.ProbeKey())
		return core.ErrPrecondition.Errorf("no paths to %s", dev.ProbeKey())
	case active == 0:
		r.setup.Fail("none of the %d paths to %s is active", len(paths), dev.ProbeKey())
		return core.ErrPrecondition.Errorf("no active paths to %s", dev.ProbeKey())
	}
	r.setup.Pass("%d paths, %d active", len(paths), active)

	r.showPolicy(ctx)

	if err := r.baselineIO(ctx); err != nil {
		return err
	}

	if len(paths) == 1 {
		reason := "single path device, failover can't be tested"
		r.res.NotApplicable = true
		r.fo.Skip(reason)
		if r.integ != nil {
			r.integ.Skip(reason)
		}
		return nil
	}
	return r.iterations(ctx)
}

// probeSetup probes all paths, retrying transient failures for up to
// ProbeTimeout.
func (r *run) probeSetup(ctx context.Context) (paths []core.PathRecord, err error) {
	cfg := r.o.Config
	rt := retry.Retrier{
		MinSleep: cfg.PollInterval.Duration,
		MaxSleep: 4 * cfg.PollInterval.Duration,
		MaxRetry: cfg.ProbeTimeout.Duration,
		Clock:    r.clock,
	}
	if cfg.ProbeTimeout.Duration <= 0 {
		rt.MaxNumRetries = 1
	}
	rt.Do(ctx, func(i int) bool {
		op := metrics.Ops.Start("probe")
		paths, err = r.o.Prober.Probe(ctx, r.dev, false)
		op.EndWithError(err)
		if err != nil {
			log.Errorf("setup probe %d: %s", i, err)
			return !core.IsRetriable(err)
		}
		return true
	})
	return paths, err
}

func (r *run) showPaths(paths []core.PathRecord) {
	PrintPaths(r.o.Report, r.dev, r.o.Config.StorageType, r.o.Addresses, paths)
}

// PrintPaths writes the path table of 'dev'. iSCSI paths are listed with
// the target address of their SCSI host from 'addrs'.
func PrintPaths(rep *Report, dev core.DeviceIdentity, storageType string, addrs map[string]string, paths []core.PathRecord) {
	rep.Printf("Paths to %s:", dev.ProbeKey())
	if storageType == "iscsi" {
		rep.Printf("  %-16s %-12s %-16s %s", "IP address", "hbtl", "Path DM status", "Path status")
		for _, p := range paths {
			addr := mpath.AddressOf(addrs, p.Location)
			if addr == "" {
				addr = "-"
			}
			rep.Printf("  %-16s %-12s %-16s %s", addr, p.Location, p.Status, p.Checker)
		}
		return
	}
	rep.Printf("  %-12s %-16s %s", "hbtl", "Path DM status", "Path status")
	for _, p := range paths {
		rep.Printf("  %-12s %-16s %s", p.Location, p.Status, p.Checker)
	}
}

// showPolicy prints the multipath policy for operator review. It isn't
// scored.
func (r *run) showPolicy(ctx context.Context) {
	if r.o.Resolver == nil {
		return
	}
	r.res.Vendor, r.res.Policy, _ = PrintPolicy(ctx, r.o.Report, r.o.Resolver, r.dev)
}

// PrintPolicy resolves and writes the multipath policy of 'dev'. A
// resolution failure is written too, and returned.
func PrintPolicy(ctx context.Context, rep *Report, resolver PolicyResolver, dev core.DeviceIdentity) (map[string]string, core.MultipathPolicy, error) {
	vendor, policy, err := resolver.Resolve(ctx, dev)
	if err != nil {
		rep.Printf("Multipath policy: not validated (%s)", err)
		return vendor, policy, err
	}
	keys := make([]string, 0, len(policy))
	for k := range policy {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rep.Printf("Multipath policy for %s %s:", vendor["ID_VENDOR"], vendor["ID_MODEL"])
	rep.Printf("  device {")
	for _, k := range keys {
		rep.Printf("    %s %s", k, policy[k])
	}
	rep.Printf("  }")
	return vendor, policy, nil
}

// baselineIO writes once with all paths up. A failure ends the run; a slow
// write costs the checkpoint but isn't a failure.
func (r *run) baselineIO(ctx context.Context) error {
	cfg := r.o.Config
	op := metrics.Ops.Start("write")
	sample, err := r.o.Writer.WriteAndTime(ctx, r.dev.DevicePath, cfg.IOSize)
	op.EndWithError(err)
	if err != nil {
		r.setup.Fail("baseline I/O to %s: %s", r.dev.DevicePath, err)
		return err
	}
	r.res.Baseline = sample
	if sample.Elapsed > cfg.SlowIOThreshold.Duration {
		r.setup.Warn("baseline I/O of %d bytes took %s (%s), over the %s threshold",
			sample.Bytes, sample.Elapsed, sample.Throughput, cfg.SlowIOThreshold.Duration)
	} else {
		r.setup.Pass("baseline I/O of %d bytes in %s (%s)", sample.Bytes, sample.Elapsed, sample.Throughput)
	}
	if r.o.DeviceSize != nil {
		if size, err := r.o.DeviceSize(r.dev.DevicePath); err == nil {
			r.o.Report.Printf("Writing all of %s would take about %s", r.dev.DevicePath, diskio.Estimate(sample, size).Round(time.Second))
		}
	}
	return nil
}

func (r *run) iterations(ctx context.Context) error {
	n := r.o.Config.Iterations
	r.fo.Expect(2 * n)
	if r.integ != nil {
		r.integ.Expect(n)
	}
	for i := 1; i <= n; i++ {
		if a := r.o.Abort; a != nil && a.Requested() {
			r.res.Aborted = true
			r.o.Report.Printf("Stopping before iteration %d of %d: %s", i, n, a.Reason())
			return core.ErrAborted.Errorf("%s", a.Reason())
		}
		if err := ctx.Err(); err != nil {
			r.res.Aborted = true
			r.o.Report.Printf("Stopping before iteration %d of %d: %s", i, n, err)
			return core.ErrAborted.Errorf("%s", err)
		}

		it, snapshot, stop := r.iterate(ctx, i)
		r.record(it, snapshot)
		if stop {
			return it.Err
		}
	}
	return nil
}

func (r *run) record(it core.IterationResult, snapshot []core.PathRecord) {
	r.res.Iterations = append(r.res.Iterations, it)
	for _, s := range it.Samples {
		r.res.DegradedIO.Add(s.Elapsed)
	}
	if it.Passed() {
		metrics.Iterations.WithLabelValues("pass").Inc()
	} else {
		metrics.Iterations.WithLabelValues("fail").Inc()
	}
	if r.o.History != nil && r.res.RunID != 0 {
		if err := r.o.History.PutIteration(r.res.RunID, it, snapshot); err != nil {
			log.Errorf("iteration %d won't be kept in history: %s", it.Number, err)
		}
	}
}

type ioResult struct {
	samples []core.IOSample
	errors  int
	max     time.Duration
	last    error
}

// ioLoop writes to the device until 'stop' is closed, at least once. The
// result is sent once it stops.
func (r *run) ioLoop(ctx context.Context, stop <-chan struct{}) <-chan ioResult {
	c := make(chan ioResult, 1)
	go func() {
		var res ioResult
		for {
			if r.pace != nil && !r.pace.Wait(1, stop) && res.errors+len(res.samples) > 0 {
				c <- res
				return
			}
			op := metrics.Ops.Start("write")
			s, err := r.o.Writer.WriteAndTime(ctx, r.dev.DevicePath, r.o.Config.IOSize)
			op.EndWithError(err)
			if err != nil {
				res.errors++
				res.last = err
				log.V(1).Infof("write on degraded paths failed: %s", err)
				if ctx.Err() != nil {
					c <- res
					return
				}
				// Failed writes return at once; don't spin.
				select {
				case <-stop:
					c <- res
					return
				case <-r.clock.After(r.o.Config.PollInterval.Duration):
				}
				continue
			}
			res.samples = append(res.samples, s)
			if s.Elapsed > res.max {
				res.max = s.Elapsed
			}
			select {
			case <-stop:
				c <- res
				return
			default:
			}
		}
	}()
	return c
}

// iterate runs iteration 'n'. 'stop' is set if the run can't go on.
func (r *run) iterate(ctx context.Context, n int) (it core.IterationResult, snapshot []core.PathRecord, stop bool) {
	o, cfg := r.o, r.o.Config
	it.Number = n

	paths, err := o.Prober.Probe(ctx, r.dev, false)
	if err != nil {
		it.Err = err
		r.fo.Fail("iteration %d: path status: %s", n, err)
		return
	}
	it.BaselineActive = core.CountActive(paths)
	metrics.ActivePaths.Set(float64(it.BaselineActive))

	jid := r.journalBegin(n)
	op := metrics.Ops.Start("inject")
	fi, err := o.Strategy.Inject(ctx, paths)
	op.EndWithError(err)
	if err != nil {
		it.Err, it.Injection = err, fi
		r.fo.Fail("iteration %d: fault injection: %s", n, err)
		// The handler may have blocked some paths before failing.
		rop := metrics.Ops.Start("restore")
		rerr := o.Strategy.Restore(ctx, fi)
		rop.EndWithError(rerr)
		if rerr != nil {
			log.Errorf("iteration %d: restore after failed injection: %s", n, rerr)
			r.journalCommit(n, jid, fi)
			r.fo.Fail("iteration %d: restore after failed injection: %s. %s", n, rerr, r.remediation(fi))
			return it, nil, true
		}
		r.journalDone(jid)
		return
	}
	it.Injection = fi
	r.journalCommit(n, jid, fi)
	log.Infof("iteration %d: injected %+v, waiting for %s drop of %d from %d active paths",
		n, fi, o.Strategy.Detection(), fi.Expected, it.BaselineActive)

	// The monitor and the I/O loop share nothing; each hands back its
	// result once it's done.
	ictx, cancel := context.WithCancel(ctx)
	mon := &failover.Monitor{
		Prober:   o.Prober,
		Interval: cfg.PollInterval.Duration,
		Timeout:  cfg.FailoverTimeout.Duration,
		Clock:    r.clock,
	}
	monC := mon.Start(ictx, r.dev, it.BaselineActive, fi.Expected, o.Strategy.Detection())
	stopIO := make(chan struct{})
	ioC := r.ioLoop(ictx, stopIO)
	out := <-monC
	if out.State != failover.Converged {
		// Writes queued on blocked paths may never return.
		cancel()
	}
	close(stopIO)
	io := <-ioC
	cancel()

	it.Samples, it.IOErrors, it.MaxIOLatency = io.samples, io.errors, io.max
	if snapshot, err = o.Prober.Probe(ctx, r.dev, false); err != nil {
		log.Errorf("iteration %d: degraded path snapshot: %s", n, err)
	}

	switch {
	case out.State != failover.Converged:
		it.Err = out.Err("failover")
		r.fo.Fail("iteration %d: %s", n, it.Err)
	case len(io.samples) == 0:
		it.FailoverConverged, it.FailoverElapsed = true, out.Elapsed
		it.Err = core.ErrIO.Errorf("no write completed while paths were down (%d failed, last: %v)", io.errors, io.last)
		r.fo.Fail("iteration %d: %s", n, it.Err)
	default:
		it.FailoverConverged, it.FailoverElapsed = true, out.Elapsed
		r.res.FailoverTimes.Add(out.Elapsed)
		r.fo.Pass("iteration %d: %d of %d active paths failed over in %s; worst of %d writes took %s (%d failed)",
			n, it.BaselineActive-out.LastActive, it.BaselineActive, out.Elapsed, len(io.samples), io.max, io.errors)
	}

	// Stamp the pattern while paths are down, check it once they're back.
	stamp := r.stamp + uint64(n)
	wrote := false
	if r.integ != nil {
		if _, err := o.Integrity.Write(ctx, r.dev.DevicePath, cfg.IntegrityBlocks, stamp); err != nil {
			it.IntegrityChecked = true
			r.integ.Fail("iteration %d: pattern write on degraded paths: %s", n, err)
		} else {
			wrote = true
		}
	}

	rop := metrics.Ops.Start("restore")
	err = o.Strategy.Restore(ctx, fi)
	rop.EndWithError(err)
	if err != nil {
		if it.Err == nil {
			it.Err = err
		}
		r.fo.Fail("iteration %d: restore: %s. %s", n, err, r.remediation(fi))
		return it, snapshot, true
	}
	r.journalDone(jid)

	chk := &failover.Checker{
		Prober:   o.Prober,
		Interval: cfg.PollInterval.Duration,
		Timeout:  cfg.RestoreTimeout.Duration,
		Clock:    r.clock,
	}
	ro := chk.WaitRestored(ctx, r.dev, it.BaselineActive)
	if ro.State == failover.Converged {
		it.Restored, it.RestoreElapsed = true, ro.Elapsed
		r.res.RestoreTimes.Add(ro.Elapsed)
		r.fo.Pass("iteration %d: %d active paths back in %s", n, ro.LastActive, ro.Elapsed)
	} else {
		rerr := ro.Err("restore")
		if it.Err == nil {
			it.Err = rerr
		}
		r.fo.Fail("iteration %d: %s", n, rerr)
	}

	if wrote {
		vt, err := o.Integrity.Verify(ctx, r.dev.DevicePath, cfg.IntegrityBlocks, stamp)
		it.IntegrityChecked, it.IntegrityOK = true, err == nil
		if err != nil {
			if it.Err == nil {
				it.Err = err
			}
			r.integ.Fail("iteration %d: %s", n, err)
		} else {
			r.integ.Pass("iteration %d: %d blocks written on degraded paths read back intact (%s)", n, vt.Blocks, vt)
		}
	}
	return it, snapshot, false
}

func (r *run) journalBegin(n int) uint64 {
	if r.o.Journal == nil {
		return 0
	}
	id, err := r.o.Journal.Begin(journal.Entry{
		Mode:        r.o.Strategy.Name(),
		PathHandler: r.o.Config.PathHandler,
		Device:      r.dev.DevicePath,
		Iteration:   n,
		Started:     r.clock.Now(),
	})
	if err != nil {
		log.Errorf("iteration %d won't be journaled: %s", n, err)
		return 0
	}
	return id
}

// journalCommit records what iteration 'n' blocked. If that fails, 'mpathcert
// recover' can't undo the fault, so it's reported.
func (r *run) journalCommit(n int, id uint64, fi core.FaultInjection) {
	if id == 0 {
		return
	}
	if err := r.o.Journal.Commit(id, fi); err != nil {
		r.fo.Warn("iteration %d: fault %d isn't journaled (%s); if the run is interrupted, 'mpathcert recover' can't restore it", n, id, err)
	}
}

func (r *run) journalDone(id uint64) {
	if id == 0 {
		return
	}
	if err := r.o.Journal.Done(id); err != nil {
		log.Errorf("failed to clear fault %d from the journal: %s", id, err)
	}
}

// remediation tells the operator how to undo 'fi' by hand.
func (r *run) remediation(fi core.FaultInjection) string {
	if r.o.Strategy.Name() == failimpl.ModeManual {
		return "Manual remediation: restore the paths by hand, then run 'mpathcert recover'."
	}
	return fmt.Sprintf("Manual remediation: unblock the paths with '%s unblock %d %s', then run 'mpathcert recover'.",
		r.o.Config.PathHandler, fi.Chosen, fi.Descriptor)
}
