// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/codegangsta/cli"
	humanize "github.com/dustin/go-humanize"
	shlex "github.com/flynn-archive/go-shlex"
	log "github.com/golang/glog"
	"github.com/peterh/liner"

	"github.com/westerndigitalcorporation/mpathcert/internal/certify"
	"github.com/westerndigitalcorporation/mpathcert/internal/control"
	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/diskio"
	"github.com/westerndigitalcorporation/mpathcert/internal/failimpl"
	"github.com/westerndigitalcorporation/mpathcert/internal/failover"
	"github.com/westerndigitalcorporation/mpathcert/internal/history"
	"github.com/westerndigitalcorporation/mpathcert/internal/hostinfo"
	"github.com/westerndigitalcorporation/mpathcert/internal/journal"
	"github.com/westerndigitalcorporation/mpathcert/internal/metrics"
	"github.com/westerndigitalcorporation/mpathcert/internal/mpath"
	"github.com/westerndigitalcorporation/mpathcert/internal/shell"
)

var usage = `
	mpathcert certifies that a multipath storage setup fails over when paths
	to a LUN go away, and recovers when they come back.

	A run provisions a LUN, checks its paths and a baseline write, then
	repeatedly blocks a random subset of the paths with the configured path
	handler, times how long multipath takes to notice while writing to the
	device, unblocks the paths and times the recovery:

		mpathcert [<glog flags>] run --config <file> [<overrides>...]

	Faults that a crashed run left in place are undone by 'recover', which
	'run' also does before starting. 'status' shows the paths and policy of
	the LUN without touching it, and 'inject' blocks and restores paths once
	to try out a path handler.
	`

// mpathCli holds the command line app and the process exit code.
type mpathCli struct {
	app *cli.App

	// exitCode is set by commands that fail.
	exitCode int

	// True if we are running a shell.
	inShell bool
}

func newMpathCli() *mpathCli {
	m := &mpathCli{}
	app := cli.NewApp()
	app.Name = "mpathcert"
	app.Usage = usage

	configFlag := cli.StringFlag{
		Name:  "config, c",
		Usage: "JSON configuration file (defaults apply without one)",
	}
	overrideFlags := []cli.Flag{
		configFlag,
		cli.StringFlag{
			Name:  "storage",
			Usage: "Storage type, iscsi or hba",
		},
		cli.StringFlag{
			Name:  "scsi-id",
			Usage: "SCSI id of the LUN to test (default: first LUN not on the root disk)",
		},
		cli.StringFlag{
			Name:  "path-handler",
			Usage: "Command that blocks and unblocks paths, '" + failimpl.BuiltinIptables + "', or '" + failimpl.PromptHandler + "'",
		},
		cli.StringFlag{
			Name:  "path-info",
			Usage: "Switch details passed through to a topology path handler",
		},
		cli.StringFlag{
			Name:  "injection",
			Usage: "Injection mode: auto, address, topology or manual",
		},
		cli.StringFlag{
			Name:  "detection",
			Usage: "Detection policy: auto, exact or atleast",
		},
		cli.StringFlag{
			Name:  "semaphore",
			Usage: "File an external tool creates when it has blocked or restored paths",
		},
	}

	runFlags := append(append([]cli.Flag{}, overrideFlags...),
		cli.IntFlag{
			Name:  "iterations, n",
			Usage: "Number of failover iterations",
		},
		cli.Int64Flag{
			Name:  "seed",
			Usage: "Seed for path selection (default: time based)",
		},
		cli.BoolFlag{
			Name:  "integrity",
			Usage: "Write and verify a data pattern around every restore",
		},
		cli.StringFlag{
			Name:  "report, r",
			Usage: "Report file (default: mpathcert-<unix time>.log)",
		},
		cli.StringFlag{
			Name:  "metrics",
			Usage: "Address to serve metrics and the control endpoint on",
		},
	)

	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "Runs a certification.",
			Flags:  runFlags,
			Action: m.cmdRun,
		},
		{
			Name:    "status",
			Aliases: []string{"st"},
			Usage:   "Shows the paths and multipath policy of the LUN.",
			Flags:   overrideFlags,
			Action:  m.cmdStatus,
		},
		{
			Name:   "inject",
			Usage:  "Blocks some paths once, waits for failover, and restores them.",
			Flags:  overrideFlags,
			Action: m.cmdInject,
		},
		{
			Name:   "recover",
			Usage:  "Restores paths left blocked by an interrupted run.",
			Flags:  []cli.Flag{configFlag},
			Action: m.cmdRecover,
		},
		{
			Name:      "history",
			Usage:     "Lists past runs, or the iterations of one run.",
			ArgsUsage: "[<run id>]",
			Flags: []cli.Flag{
				configFlag,
				cli.IntFlag{
					Name:  "limit",
					Usage: "Number of runs to list",
					Value: 20,
				},
				cli.BoolFlag{
					Name:  "verbose, v",
					Usage: "Show the path table of each iteration",
				},
			},
			Action: m.cmdHistory,
		},
		{
			Name:   "shell",
			Usage:  "Starts a shell for interaction.",
			Action: m.cmdShell,
		},
	}
	m.app = app
	return m
}

func (m *mpathCli) run(args []string) error {
	return m.app.Run(args)
}

// fail reports a command failure and sets the exit code.
func (m *mpathCli) fail(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, failimpl.MaskSecrets(fmt.Sprintf(format, args...)))
	m.exitCode = 1
}

// config loads the configuration named by --config and applies the
// overrides given on the command line.
func (m *mpathCli) config(c *cli.Context) (certify.Config, bool) {
	cfg, err := certify.LoadConfig(c.String("config"))
	if err != nil {
		m.fail("%s", err)
		return cfg, false
	}
	strs := map[string]*string{
		"storage":      &cfg.StorageType,
		"scsi-id":      &cfg.SCSIID,
		"path-handler": &cfg.PathHandler,
		"path-info":    &cfg.PathInfo,
		"injection":    &cfg.Injection,
		"detection":    &cfg.Detection,
		"semaphore":    &cfg.SemaphoreFile,
		"report":       &cfg.ReportFile,
		"metrics":      &cfg.MetricsAddr,
	}
	for name, p := range strs {
		if c.IsSet(name) {
			*p = c.String(name)
		}
	}
	if c.IsSet("iterations") {
		cfg.Iterations = c.Int("iterations")
	}
	if c.IsSet("seed") {
		cfg.Seed = c.Int64("seed")
	}
	if c.IsSet("integrity") {
		cfg.Integrity = c.Bool("integrity")
	}
	return cfg, true
}

// host is the local multipath stack.
type host struct {
	runner   shell.ExecRunner
	prober   *mpath.Prober
	resolver *mpath.Resolver
	addrs    map[string]string
	root     string
}

func newHost(cfg certify.Config) *host {
	runner := shell.ExecRunner{}
	h := &host{
		runner:   runner,
		prober:   mpath.NewProber(runner),
		resolver: mpath.NewResolver(runner),
		addrs:    mpath.AdapterAddresses("/sys"),
		root:     cfg.RootDevice,
	}
	if h.root == "" {
		root, err := mpath.RootDevice("/proc/self/mounts")
		if err != nil {
			log.Errorf("can't find the root disk, nothing will be excluded: %s", err)
		}
		h.root = root
	}
	return h
}

func (h *host) provisioner(cfg certify.Config) certify.Provisioner {
	return certify.NewLocalProvisioner(cfg.SCSIID, cfg.Targets, h.root)
}

// strategy builds the injection strategy 'cfg' asks for. The seed is
// returned so a run can be reproduced.
func (h *host) strategy(cfg certify.Config) (failimpl.Strategy, int64, error) {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s, err := failimpl.New(failimpl.Options{
		Mode:        cfg.Injection,
		StorageType: cfg.StorageType,
		PathHandler: cfg.PathHandler,
		PathInfo:    cfg.PathInfo,
		Detection:   cfg.Detection,
		Addresses: func(paths []core.PathRecord) ([]string, error) {
			return mpath.Addresses(h.addrs, paths)
		},
		Rand:              rand.New(rand.NewSource(seed)),
		Runner:            h.runner,
		SemaphoreFile:     cfg.SemaphoreFile,
		SemaphoreInterval: cfg.PollInterval.Duration,
		SemaphoreTimeout:  cfg.FailoverTimeout.Duration + cfg.RestoreTimeout.Duration,
	})
	return s, seed, err
}

func (h *host) newCallout(handler string) (failimpl.Callout, error) {
	return failimpl.NewCallout(handler, h.runner, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// interrupts turns the first SIGINT or SIGTERM into an abort request and the
// second into cancelling the context.
func interrupts(abort *control.Abort, cancel context.CancelFunc) (stop func()) {
	sigs := make(chan os.Signal, 2)
	done := make(chan struct{})
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigs:
		case <-done:
			return
		}
		abort.Request("interrupted")
		fmt.Fprintln(os.Stderr, "Stopping after this iteration. Interrupt again to stop now, which may leave paths blocked.")
		select {
		case <-sigs:
			cancel()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func (m *mpathCli) cmdRun(c *cli.Context) {
	cfg, ok := m.config(c)
	if !ok {
		return
	}
	if err := cfg.Validate(); err != nil {
		m.fail("%s", err)
		return
	}

	start := time.Now()
	reportPath := cfg.ReportPath(start)
	f, err := os.Create(reportPath)
	if err != nil {
		m.fail("failed to create report: %s", err)
		return
	}
	defer f.Close()
	rep := certify.NewReport(io.MultiWriter(os.Stdout, f))
	rep.Printf("mpathcert on %s", hostinfo.Take())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHost(cfg)

	j, err := journal.Open(cfg.JournalFile)
	if err != nil {
		m.fail("%s", err)
		return
	}
	defer j.Close()
	if _, err := certify.Recover(ctx, j, h.newCallout, rep); err != nil {
		m.fail("not starting with faults from an earlier run still in place: %s", err)
		return
	}

	db, err := history.Open(cfg.HistoryFile)
	if err != nil {
		m.fail("%s", err)
		return
	}
	defer db.Close()

	strategy, seed, err := h.strategy(cfg)
	if err != nil {
		m.fail("%s", err)
		return
	}
	rep.Printf("Injection: %s (%s detection), seed %d", strategy.Name(), strategy.Detection(), seed)

	abort := control.NewAbort()
	svc := control.NewService()
	svc.Register(control.AbortKey, abort.Handler)
	mux := http.NewServeMux()
	svc.Mount(mux)
	metrics.Serve(cfg.MetricsAddr, mux)
	defer interrupts(abort, cancel)()

	o := &certify.Orchestrator{
		Config:      cfg,
		Provisioner: h.provisioner(cfg),
		Prober:      h.prober,
		Strategy:    strategy,
		Writer:      diskio.NewExerciser(h.runner),
		Report:      rep,
		Resolver:    h.resolver,
		Journal:     j,
		History:     db,
		Abort:       abort,
		Root:        h.root,
		Addresses:   h.addrs,
		DeviceSize:  diskio.DeviceSize,
	}
	if cfg.Integrity {
		o.Integrity = &diskio.Integrity{Direct: true}
	}

	res, err := o.Run(ctx)
	if err != nil {
		log.Errorf("run ended early: %s", err)
	}
	rep.Printf("Report saved to %s (run %d, %s)", reportPath, res.RunID, time.Since(start).Round(time.Second))
	if !res.Passed {
		m.exitCode = 1
	}
}

// device finds the LUN and its current paths.
func (m *mpathCli) device(ctx context.Context, cfg certify.Config, h *host) (core.DeviceIdentity, []core.PathRecord, bool) {
	dev, err := h.provisioner(cfg).Provision(ctx)
	if err != nil {
		m.fail("%s", err)
		return dev, nil, false
	}
	paths, err := h.prober.Probe(ctx, dev, false)
	if err != nil {
		m.fail("%s", err)
		return dev, nil, false
	}
	return dev, paths, true
}

func (m *mpathCli) cmdStatus(c *cli.Context) {
	cfg, ok := m.config(c)
	if !ok {
		return
	}
	ctx := context.Background()
	h := newHost(cfg)
	dev, paths, ok := m.device(ctx, cfg, h)
	if !ok {
		return
	}
	rep := certify.NewReport(os.Stdout)
	rep.Printf("%s: %d paths, %d active", dev, len(paths), core.CountActive(paths))
	certify.PrintPaths(rep, dev, cfg.StorageType, h.addrs, paths)
	certify.PrintPolicy(ctx, rep, h.resolver, dev)
}

func (m *mpathCli) cmdInject(c *cli.Context) {
	cfg, ok := m.config(c)
	if !ok {
		return
	}
	if err := cfg.Validate(); err != nil {
		m.fail("%s", err)
		return
	}
	ctx := context.Background()
	h := newHost(cfg)
	j, err := journal.Open(cfg.JournalFile)
	if err != nil {
		m.fail("%s", err)
		return
	}
	defer j.Close()

	strategy, _, err := h.strategy(cfg)
	if err != nil {
		m.fail("%s", err)
		return
	}
	dev, paths, ok := m.device(ctx, cfg, h)
	if !ok {
		return
	}
	baseline := core.CountActive(paths)
	rep := certify.NewReport(os.Stdout)
	certify.PrintPaths(rep, dev, cfg.StorageType, h.addrs, paths)

	id, err := j.Begin(journal.Entry{
		Mode:        strategy.Name(),
		PathHandler: cfg.PathHandler,
		Device:      dev.DevicePath,
		Started:     time.Now(),
	})
	if err != nil {
		m.fail("%s", err)
		return
	}
	fi, err := strategy.Inject(ctx, paths)
	if err != nil {
		m.fail("injection failed: %s", err)
		if rerr := strategy.Restore(ctx, fi); rerr != nil {
			if cerr := j.Commit(id, fi); cerr != nil {
				log.Errorf("failed to journal fault %d: %s", id, cerr)
			}
			m.fail("restore after failed injection failed, the fault stays in %s for 'mpathcert recover': %s", cfg.JournalFile, rerr)
			return
		}
		if derr := j.Done(id); derr != nil {
			log.Errorf("failed to clear fault %d: %s", id, derr)
		}
		return
	}
	if err := j.Commit(id, fi); err != nil {
		rep.Printf("Fault %d isn't journaled (%s); if interrupted, 'mpathcert recover' can't restore it", id, err)
	}
	rep.Printf("Blocked %d of %d paths (%s), expecting %d fewer active paths",
		fi.Chosen, len(paths), fi.Descriptor, fi.Expected)

	mon := failover.NewMonitor(h.prober)
	mon.Interval, mon.Timeout = cfg.PollInterval.Duration, cfg.FailoverTimeout.Duration
	out := mon.Run(ctx, dev, baseline, fi.Expected, strategy.Detection())
	if out.State == failover.Converged {
		rep.Printf("Failed over in %s", out.Elapsed)
	} else {
		m.fail("%s", out.Err("failover"))
	}
	if blocked, err := h.prober.Probe(ctx, dev, false); err == nil {
		certify.PrintPaths(rep, dev, cfg.StorageType, h.addrs, blocked)
	}

	if err := strategy.Restore(ctx, fi); err != nil {
		m.fail("restore failed, the fault stays in %s for 'mpathcert recover': %s", cfg.JournalFile, err)
		return
	}
	if err := j.Done(id); err != nil {
		log.Errorf("failed to clear fault %d: %s", id, err)
	}
	chk := failover.NewChecker(h.prober)
	chk.Interval, chk.Timeout = cfg.PollInterval.Duration, cfg.RestoreTimeout.Duration
	if back := chk.WaitRestored(ctx, dev, baseline); back.State == failover.Converged {
		rep.Printf("Restored in %s", back.Elapsed)
	} else {
		m.fail("%s", back.Err("restore"))
	}
}

func (m *mpathCli) cmdRecover(c *cli.Context) {
	cfg, ok := m.config(c)
	if !ok {
		return
	}
	j, err := journal.Open(cfg.JournalFile)
	if err != nil {
		m.fail("%s", err)
		return
	}
	defer j.Close()
	restored, err := certify.Recover(context.Background(), j, newHost(cfg).newCallout, certify.NewReport(os.Stdout))
	if err != nil {
		m.fail("%s", err)
		return
	}
	fmt.Printf("%d faults restored\n", restored)
}

func (m *mpathCli) cmdHistory(c *cli.Context) {
	cfg, ok := m.config(c)
	if !ok {
		return
	}
	db, err := history.Open(cfg.HistoryFile)
	if err != nil {
		m.fail("%s", err)
		return
	}
	defer db.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	defer tw.Flush()

	if c.NArg() == 0 {
		runs, err := db.Runs(c.Int("limit"))
		if err != nil {
			m.fail("%s", err)
			return
		}
		fmt.Fprintln(tw, "ID\tSTARTED\tDEVICE\tMODE\tITERATIONS\tCHECKPOINTS\tRESULT")
		for _, r := range runs {
			verdict := r.Verdict
			if verdict == "" {
				verdict = "unfinished"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n", r.ID, humanize.Time(r.Started),
				r.Device, r.Mode, r.Iterations, r.Ledger, verdict)
		}
		return
	}

	var id int64
	if _, err := fmt.Sscan(c.Args().First(), &id); err != nil {
		m.fail("bad run id %q", c.Args().First())
		return
	}
	its, err := db.Iterations(id)
	if err != nil {
		m.fail("%s", err)
		return
	}
	fmt.Fprintln(tw, "#\tACTIVE\tBLOCKED\tEXPECTED\tFAILOVER\tRESTORE\tMAX WRITE\tINTEGRITY\tERROR")
	for _, it := range its {
		fo, restore := "timeout", "timeout"
		if it.Converged {
			fo = it.Failover.String()
		}
		if it.Restored {
			restore = it.Restore.String()
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\n", it.Number, it.BaselineActive, it.Chosen,
			it.Expected, fo, restore, it.MaxIOLatency, it.Integrity, it.Err)
		if c.Bool("verbose") && it.Topology != "" {
			for _, line := range strings.Split(it.Topology, "\n") {
				fmt.Fprintf(tw, "\t%s\n", line)
			}
		}
	}
}

// cmdShell starts an interpreter, mostly for trying out path handlers with
// 'status' and 'inject' without retyping the config.
func (m *mpathCli) cmdShell(c *cli.Context) {
	if m.inShell {
		fmt.Println("Already in a shell.")
		return
	}
	m.inShell = true
	defer func() { m.inShell = false }()

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) (c []string) {
		for _, cmd := range m.app.Commands {
			if strings.HasPrefix(cmd.Name, strings.ToLower(input)) {
				c = append(c, cmd.Name)
			}
		}
		return
	})
	defer line.Close()

	for {
		input, err := line.Prompt("(mpathcert) ")
		if err != nil {
			// io.EOF or liner.ErrPromptAborted.
			fmt.Println()
			return
		}
		// We use 'shlex' because we want split input line in to tokens using
		// shell's rules, e.g. a quoted path handler stays one argument.
		args, err := shlex.Split(input)
		if err != nil {
			fmt.Printf("Failed to parse input: %s\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return
		}
		line.AppendHistory(input)
		m.run(append([]string{"mpathcert"}, args...))
	}
}
