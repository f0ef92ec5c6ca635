// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package failimpl

import (
	"math/rand"
	"path/filepath"
	"time"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/failover"
	"github.com/westerndigitalcorporation/mpathcert/internal/shell"
	"github.com/westerndigitalcorporation/mpathcert/pkg/retry"
)

const (
	// Injection modes.
	ModeAuto     = "auto"
	ModeAddress  = "address"
	ModeTopology = "topology"
	ModeManual   = "manual"

	// manualCallout is the callout name that implies manual mode.
	manualCallout = "blockunblockpaths"

	// PromptHandler selects PromptHandshake as the manual handshake.
	PromptHandler = "prompt"
)

// Options selects and configures a Strategy.
type Options struct {
	// Mode is one of the Mode constants.
	Mode string

	// StorageType is "iscsi" or "hba"; in auto mode hba means topology.
	StorageType string

	// PathHandler is the callout command line, BuiltinIptables, or
	// PromptHandler.
	PathHandler string

	// PathInfo is passed through to a topology callout.
	PathInfo string

	// Detection is "auto", "exact" or "atleast".
	Detection string

	// Addresses maps paths to addresses for address mode.
	Addresses func([]core.PathRecord) ([]string, error)

	Rand   *rand.Rand
	Runner shell.Runner

	// SemaphoreFile, if set, makes manual mode wait for this file.
	SemaphoreFile     string
	SemaphoreInterval time.Duration
	SemaphoreTimeout  time.Duration
	Clock             retry.Clock
}

// ResolveMode returns the injection mode 'o' asks for, resolving "auto".
func (o Options) ResolveMode() string {
	if o.Mode != "" && o.Mode != ModeAuto {
		return o.Mode
	}
	if o.PathHandler == PromptHandler || o.PathHandler == "" && o.SemaphoreFile != "" {
		return ModeManual
	}
	if words, err := shell.Split(o.PathHandler); err == nil && filepath.Base(words[0]) == manualCallout {
		return ModeManual
	}
	if o.StorageType == "hba" {
		return ModeTopology
	}
	return ModeAddress
}

// New builds the Strategy described by 'o'.
func New(o Options) (Strategy, error) {
	var s Strategy
	switch mode := o.ResolveMode(); mode {
	case ModeAddress:
		c, err := o.callout()
		if err != nil {
			return nil, err
		}
		if o.Addresses == nil {
			return nil, core.ErrInvalidArgument.Errorf("address mode needs a path address map")
		}
		s = &AddressStrategy{Callout: c, Addresses: o.Addresses, Rand: o.Rand, Policy: failover.Exact}
	case ModeTopology:
		if o.PathHandler == BuiltinIptables {
			return nil, core.ErrInvalidArgument.Errorf("the built-in iptables handler can only block by address")
		}
		c, err := o.callout()
		if err != nil {
			return nil, err
		}
		s = NewTopologyStrategy(c, o.PathInfo)
	case ModeManual:
		h, err := o.handshake()
		if err != nil {
			return nil, err
		}
		s = NewManualStrategy(h)
	default:
		return nil, core.ErrInvalidArgument.Errorf("unknown injection mode %q", mode)
	}

	if o.Detection != "" && o.Detection != ModeAuto {
		p, err := failover.ParsePolicy(o.Detection)
		if err != nil {
			return nil, err
		}
		switch st := s.(type) {
		case *AddressStrategy:
			st.Policy = p
		case *TopologyStrategy:
			st.Policy = p
		case *ManualStrategy:
			st.Policy = p
		}
	}
	return s, nil
}

func (o Options) callout() (Callout, error) {
	return NewCallout(o.PathHandler, o.Runner, o.Rand)
}

// NewCallout returns the Callout for a path handler: IptablesCallout for
// BuiltinIptables, a ScriptCallout otherwise.
func NewCallout(handler string, runner shell.Runner, r *rand.Rand) (Callout, error) {
	switch handler {
	case "":
		return nil, core.ErrInvalidArgument.Errorf("no path handler given")
	case BuiltinIptables:
		return &IptablesCallout{Runner: runner, Rand: r}, nil
	}
	return NewScriptCallout(runner, handler)
}

func (o Options) handshake() (Handshake, error) {
	if o.PathHandler == PromptHandler {
		return PromptHandshake{}, nil
	}
	if o.SemaphoreFile != "" {
		return &SemaphoreHandshake{
			Path:     o.SemaphoreFile,
			Interval: o.SemaphoreInterval,
			Timeout:  o.SemaphoreTimeout,
			Clock:    o.Clock,
		}, nil
	}
	words, err := shell.Split(o.PathHandler)
	if err != nil {
		return nil, core.ErrInvalidArgument.Errorf("manual handshake: %s", err)
	}
	return &CalloutHandshake{Runner: o.Runner, Command: words}, nil
}
