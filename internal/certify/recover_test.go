// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package certify

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/failimpl"
	"github.com/westerndigitalcorporation/mpathcert/internal/journal"
	test "github.com/westerndigitalcorporation/mpathcert/pkg/testutil"
)

func TestRecover(t *testing.T) {
	j := newMemJournal()
	ok, _ := j.Begin(journal.Entry{Mode: "address", PathHandler: "/opt/ph", Device: "/dev/mapper/mpatha", Iteration: 3})
	j.Commit(ok, core.FaultInjection{Chosen: 2, Descriptor: "10.0.0.2,10.0.0.3"})
	manual, _ := j.Begin(journal.Entry{Mode: failimpl.ModeManual, Device: "/dev/mapper/mpatha"})
	torn, _ := j.Begin(journal.Entry{Mode: "topology", PathHandler: "/opt/hba", Device: "/dev/mapper/mpatha"})
	stuck, _ := j.Begin(journal.Entry{Mode: "topology", PathHandler: "/opt/hba", Device: "/dev/mapper/mpatha"})
	j.Commit(stuck, core.FaultInjection{Chosen: 1, Descriptor: "switch=1,password=pw"})

	r := test.NewScriptedRunner(t)
	r.Expect("/opt/ph unblock 2 10.0.0.2,10.0.0.3", "")
	r.ExpectFailure("/opt/hba unblock 1 switch=1,password=pw", "switch unreachable", 1)
	newCallout := func(handler string) (failimpl.Callout, error) {
		return failimpl.NewCallout(handler, r, nil)
	}

	var out bytes.Buffer
	restored, err := Recover(context.Background(), j, newCallout, NewReport(&out))
	if restored != 1 || !core.ErrCleanup.Is(err) {
		t.Fatalf("exp 1 restored and a cleanup error and got %d and %v", restored, err)
	}
	r.NoMoreCalls()

	pending, _ := j.Pending()
	if len(pending) != 1 || pending[0].ID != stuck {
		t.Fatalf("only the failed fault should stay pending, got %+v", pending)
	}
	if len(j.done) != 3 || j.done[0] != ok || j.done[1] != manual || j.done[2] != torn {
		t.Fatalf("unexpected cleared faults %v", j.done)
	}
	report := out.String()
	for _, exp := range []string{"injected manually", "interrupted", "could not be restored", "Restored fault"} {
		if !strings.Contains(report, exp) {
			t.Fatalf("report lacks %q:\n%s", exp, report)
		}
	}
	if strings.Contains(report, "password=pw") {
		t.Fatalf("report leaks a password:\n%s", report)
	}
}
