// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package failimpl

import (
	"context"
	"os"
	"time"

	log "github.com/golang/glog"
	"github.com/peterh/liner"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/failover"
	"github.com/westerndigitalcorporation/mpathcert/internal/shell"
	"github.com/westerndigitalcorporation/mpathcert/pkg/retry"
)

// Phase says which half of a manual fault the operator is asked for.
type Phase int

const (
	// PhaseBlock asks for paths to be blocked.
	PhaseBlock Phase = iota

	// PhaseRestore asks for blocked paths to be restored.
	PhaseRestore
)

func (p Phase) String() string {
	if p == PhaseBlock {
		return "block"
	}
	return "restore"
}

// Handshake waits until someone outside the process has done 'phase'.
type Handshake interface {
	Wait(ctx context.Context, phase Phase) error
}

// ManualStrategy lets a human or an external script take paths down. How
// many paths go down isn't known in advance, so the monitor waits for at
// least one to fail.
type ManualStrategy struct {
	Handshake Handshake

	// Policy is failover.AtLeast when built with NewManualStrategy.
	Policy failover.Policy
}

// NewManualStrategy returns a ManualStrategy with at-least detection.
func NewManualStrategy(h Handshake) *ManualStrategy {
	return &ManualStrategy{Handshake: h, Policy: failover.AtLeast}
}

// Name implements Strategy.
func (s *ManualStrategy) Name() string { return "manual" }

// Detection implements Strategy.
func (s *ManualStrategy) Detection() failover.Policy { return s.Policy }

// Inject implements Strategy.
func (s *ManualStrategy) Inject(ctx context.Context, paths []core.PathRecord) (core.FaultInjection, error) {
	log.Infof("waiting for paths to be blocked manually")
	if err := s.Handshake.Wait(ctx, PhaseBlock); err != nil {
		return core.FaultInjection{}, err
	}
	return core.FaultInjection{Total: len(paths), Expected: 1}, nil
}

// Restore implements Strategy.
func (s *ManualStrategy) Restore(ctx context.Context, fi core.FaultInjection) error {
	log.Infof("waiting for paths to be restored manually")
	return s.Handshake.Wait(ctx, PhaseRestore)
}

// CalloutHandshake runs a command with no arguments for each phase. The
// command blocks until the operator confirms and exits 0.
type CalloutHandshake struct {
	Runner  shell.Runner
	Command []string
}

// Wait implements Handshake.
func (h *CalloutHandshake) Wait(ctx context.Context, phase Phase) error {
	res, err := h.Runner.Run(ctx, h.Command[0], h.Command[1:]...)
	log.V(1).Infof("manual %s handshake returned stdout %q", phase, res.Stdout)
	if err != nil {
		return core.ErrInjection.Errorf("manual %s handshake: %s", phase, err)
	}
	return nil
}

// SemaphoreHandshake waits for a file to appear and removes it. The external
// actor creates the file once it has blocked (or restored) the paths.
type SemaphoreHandshake struct {
	Path string

	// Interval between checks for the file, and the total time to wait.
	Interval time.Duration
	Timeout  time.Duration

	Clock retry.Clock

	// Exists and Remove default to the os functions.
	Exists func(string) bool
	Remove func(string) error
}

// Wait implements Handshake.
func (h *SemaphoreHandshake) Wait(ctx context.Context, phase Phase) error {
	exists, remove := h.Exists, h.Remove
	if exists == nil {
		exists = fileExists
	}
	if remove == nil {
		remove = os.Remove
	}
	log.Infof("waiting for %s to signal %s", h.Path, phase)
	p := retry.Poller{Interval: h.Interval, Timeout: h.Timeout, Clock: h.Clock}
	res := p.Poll(ctx, func(int) bool { return exists(h.Path) })
	if !res.Done {
		return core.ErrInjection.Errorf("no %s signal at %s after %s", phase, h.Path, res.Elapsed)
	}
	if err := remove(h.Path); err != nil {
		return core.ErrInjection.Errorf("failed to clear %s: %s", h.Path, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// PromptHandshake asks on the terminal and waits for Enter.
type PromptHandshake struct{}

// Wait implements Handshake.
func (PromptHandshake) Wait(ctx context.Context, phase Phase) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	msg := "Block some paths to the device now, then press Enter: "
	if phase == PhaseRestore {
		msg = "Restore the blocked paths now, then press Enter: "
	}
	if _, err := line.Prompt(msg); err != nil {
		return core.ErrInjection.Errorf("manual %s: %s", phase, err)
	}
	return nil
}
