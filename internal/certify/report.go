// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package certify

import (
	"fmt"
	"io"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/failimpl"
	"github.com/westerndigitalcorporation/mpathcert/internal/metrics"
)

// Section names.
const (
	SectionSetup     = "Setup"
	SectionFailover  = "Multipath failover"
	SectionIntegrity = "Data integrity"
)

// Report writes phase results as they happen and keeps one checkpoint
// ledger per section.
type Report struct {
	lock     sync.Mutex
	w        io.Writer
	sections []*Section
}

// NewReport returns a Report writing to 'w'.
func NewReport(w io.Writer) *Report {
	return &Report{w: w}
}

// Section is a scored part of a run.
type Section struct {
	Name   string
	Ledger core.CheckpointLedger

	// NotApplicable is set when the section's tests can't run on this
	// setup. It's neither a pass nor a failure.
	NotApplicable bool
	Reason        string

	r *Report
}

// Section returns the section named 'name', creating it if needed.
func (r *Report) Section(name string) *Section {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, s := range r.sections {
		if s.Name == name {
			return s
		}
	}
	s := &Section{Name: name, r: r}
	r.sections = append(r.sections, s)
	return s
}

// Sections returns all sections in creation order.
func (r *Report) Sections() []*Section {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]*Section(nil), r.sections...)
}

// Printf writes an unscored line.
func (r *Report) Printf(format string, args ...interface{}) {
	r.lock.Lock()
	defer r.lock.Unlock()
	fmt.Fprintln(r.w, failimpl.MaskSecrets(fmt.Sprintf(format, args...)))
}

func (s *Section) line(marker, format string, args ...interface{}) {
	msg := failimpl.MaskSecrets(fmt.Sprintf(format, args...))
	s.r.Printf("[%s] %s: %s", marker, s.Name, msg)
}

// Expect adds 'n' checkpoints to the section.
func (s *Section) Expect(n int) {
	s.r.lock.Lock()
	s.Ledger.Expect(n)
	s.r.lock.Unlock()
	s.export()
}

// Pass awards a checkpoint and reports it.
func (s *Section) Pass(format string, args ...interface{}) {
	s.r.lock.Lock()
	s.Ledger.Award()
	s.r.lock.Unlock()
	s.export()
	s.line("PASS", format, args...)
}

// Fail reports a missed checkpoint.
func (s *Section) Fail(format string, args ...interface{}) {
	s.line("FAIL", format, args...)
	log.Errorf("%s: %s", s.Name, fmt.Sprintf(format, args...))
}

// Warn reports a problem that costs a checkpoint but isn't a failure.
func (s *Section) Warn(format string, args ...interface{}) {
	s.line("WARN", format, args...)
}

// Skip marks the section not applicable.
func (s *Section) Skip(reason string) {
	s.r.lock.Lock()
	s.NotApplicable, s.Reason = true, reason
	s.r.lock.Unlock()
	s.line("N/A", "%s", reason)
}

// Passed returns true if every checkpoint was earned, or the section
// doesn't apply.
func (s *Section) Passed() bool {
	s.r.lock.Lock()
	defer s.r.lock.Unlock()
	return s.NotApplicable || s.Ledger.Earned == s.Ledger.Total
}

func (s *Section) export() {
	s.r.lock.Lock()
	l := s.Ledger
	s.r.lock.Unlock()
	metrics.SetCheckpoints(s.Name, l.Earned, l.Total)
}

// Total sums the ledgers of all applicable sections.
func (r *Report) Total() core.CheckpointLedger {
	var t core.CheckpointLedger
	for _, s := range r.Sections() {
		if !s.NotApplicable {
			t.Earned += s.Ledger.Earned
			t.Total += s.Ledger.Total
		}
	}
	return t
}

// Passed returns true if all sections passed.
func (r *Report) Passed() bool {
	for _, s := range r.Sections() {
		if !s.Passed() {
			return false
		}
	}
	return true
}

// Verdict is "PASS" or "FAIL".
func (r *Report) Verdict() string {
	if r.Passed() {
		return "PASS"
	}
	return "FAIL"
}

// Summary writes the per-section percentages and the verdict.
func (r *Report) Summary() {
	r.Printf("")
	r.Printf("Summary")
	for _, s := range r.Sections() {
		if s.NotApplicable {
			r.Printf("  %-20s not applicable (%s)", s.Name, s.Reason)
			continue
		}
		r.Printf("  %-20s %s", s.Name, s.Ledger)
	}
	r.Printf("  %-20s %s", "Overall", r.Total())
	r.Printf("Result: %s", r.Verdict())
}
