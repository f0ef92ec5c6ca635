// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package certify

import (
	"context"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/failimpl"
	"github.com/westerndigitalcorporation/mpathcert/internal/journal"
)

// PendingJournal is the part of journal.Journal recovery needs.
type PendingJournal interface {
	Pending() ([]journal.Entry, error)
	Done(id uint64) error
}

// Recover undoes faults that earlier runs injected but never restored.
//
// Committed faults injected by a callout are unblocked with the callout
// built by 'newCallout' from the entry's path handler. Manual faults and
// faults that crashed mid-injection can't be undone automatically; they are
// reported with remediation instructions and cleared. Entries whose unblock
// fails stay in the journal, and a core.ErrCleanup is returned.
func Recover(ctx context.Context, j PendingJournal, newCallout func(handler string) (failimpl.Callout, error), rep *Report) (restored int, err error) {
	pending, err := j.Pending()
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, e := range pending {
		desc := failimpl.MaskSecrets(e.Injection.Descriptor)
		switch {
		case e.Mode == failimpl.ModeManual:
			rep.Printf("Fault %d on %s (iteration %d) was injected manually: restore the paths by hand.", e.ID, e.Device, e.Iteration)
		case !e.Committed:
			rep.Printf("Fault %d on %s (iteration %d) was interrupted while %s was blocking paths: "+
				"check 'multipath -ll' and unblock any paths it left blocked.", e.ID, e.Device, e.Iteration, e.PathHandler)
		default:
			c, cerr := newCallout(e.PathHandler)
			if cerr == nil {
				cerr = c.Unblock(ctx, e.Injection.Chosen, e.Injection.Descriptor)
			}
			if cerr != nil {
				failed++
				log.Errorf("failed to restore fault %d: %s", e.ID, cerr)
				rep.Printf("Fault %d on %s could not be restored: %s. Run '%s unblock %d %s' by hand, then 'mpathcert recover'.",
					e.ID, e.Device, cerr, e.PathHandler, e.Injection.Chosen, desc)
				continue
			}
			restored++
			rep.Printf("Restored fault %d on %s (%d paths, %s).", e.ID, e.Device, e.Injection.Chosen, desc)
		}
		if derr := j.Done(e.ID); derr != nil {
			log.Errorf("failed to clear fault %d: %s", e.ID, derr)
		}
	}
	if failed > 0 {
		return restored, core.ErrCleanup.Errorf("%d faults could not be restored", failed)
	}
	return restored, nil
}
