// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testutil

import (
	"context"
	"testing"

	"github.com/westerndigitalcorporation/mpathcert/internal/shell"
)

// ScriptedRunner is a shell.Runner that answers with canned output. Commands
// are matched on their full command line (see shell.CommandLine).
type ScriptedRunner struct {
	*GenericMock
}

type scriptedResult struct {
	res shell.Result
	err error
}

// NewScriptedRunner returns an empty ScriptedRunner.
func NewScriptedRunner(t *testing.T) *ScriptedRunner {
	return &ScriptedRunner{GenericMock: NewGenericMock(t)}
}

// Expect registers a single invocation of 'cmdline' that prints 'stdout'
// and exits 0.
func (s *ScriptedRunner) Expect(cmdline, stdout string) {
	s.AddCall("Run", scriptedResult{res: shell.Result{Stdout: stdout}}, cmdline)
}

// ExpectFailure registers a single invocation of 'cmdline' that prints
// 'stderr' and exits with 'code'.
func (s *ScriptedRunner) ExpectFailure(cmdline, stderr string, code int) {
	s.AddCall("Run", scriptedResult{
		res: shell.Result{Stderr: stderr},
		err: &shell.CommandError{Cmd: cmdline, ExitCode: code, Stderr: stderr},
	}, cmdline)
}

// ExpectStderr registers a single successful invocation whose output goes to
// stderr, as dd's summary does.
func (s *ScriptedRunner) ExpectStderr(cmdline, stderr string) {
	s.AddCall("Run", scriptedResult{res: shell.Result{Stderr: stderr}}, cmdline)
}

// Always answers every invocation of 'cmdline' with 'stdout' once the
// one-shot expectations for it are used up.
func (s *ScriptedRunner) Always(cmdline, stdout string) {
	s.AddSticky("Run", scriptedResult{res: shell.Result{Stdout: stdout}}, cmdline)
}

// Run implements shell.Runner.
func (s *ScriptedRunner) Run(ctx context.Context, name string, args ...string) (shell.Result, error) {
	r, ok := s.GetResult("Run", shell.CommandLine(name, args...)).(scriptedResult)
	if !ok {
		return shell.Result{}, &shell.CommandError{Cmd: shell.CommandLine(name, args...), ExitCode: 127}
	}
	return r.res, r.err
}
