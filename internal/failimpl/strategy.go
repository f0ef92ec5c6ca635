// Copyright (c) 2016 Western Digital Corporation or its affiliates. All Rights Reserved
// SPDX-License-Identifier: MIT

// Package failimpl blocks and unblocks paths to the device under test.
//
// How paths are taken down depends on how they are addressed. Paths with a
// stable IP per path are blocked by address (AddressStrategy); adapter
// ports are blocked by a vendor callout that picks them itself
// (TopologyStrategy); and anything else can be done by a human or an
// external script while we wait (ManualStrategy).
package failimpl

import (
	"context"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/failover"
)

// Strategy injects a path fault and reverts it.
type Strategy interface {
	// Name is a short description for reports.
	Name() string

	// Inject blocks some of 'paths', the current paths of the device. The
	// returned FaultInjection says how far the active path count should
	// drop and carries what Restore needs. On failure it carries whatever
	// Restore should still undo, if anything.
	Inject(ctx context.Context, paths []core.PathRecord) (core.FaultInjection, error)

	// Restore unblocks the paths blocked by the Inject that returned 'fi'.
	Restore(ctx context.Context, fi core.FaultInjection) error

	// Detection is how the drop in active paths is matched against
	// FaultInjection.Expected.
	Detection() failover.Policy
}
