// Copyright (c) 2016 Western Digital Corporation or its affiliates. All Rights Reserved
// SPDX-License-Identifier: MIT

package failimpl

import (
	"context"
	"strconv"
	"strings"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/shell"
)

// Callout blocks and unblocks paths on request.
//
// Block is asked to block 'count' paths described by 'info' and returns a
// descriptor of what it did. Unblock receives the same count and that
// descriptor. When Block fails, the descriptor it returns names whatever
// may still be blocked, and is empty if nothing is.
type Callout interface {
	Block(ctx context.Context, count int, info string) (string, error)
	Unblock(ctx context.Context, count int, info string) error
}

// ScriptCallout is an operator-supplied executable invoked as
//
//	<command> block <count> <info>
//	<command> unblock <count> <info>
//
// It must exit 0 on success; stderr is reported otherwise.
type ScriptCallout struct {
	Runner  shell.Runner
	Command []string
}

// NewScriptCallout returns a ScriptCallout for 'command', which is split
// with shell quoting rules.
func NewScriptCallout(runner shell.Runner, command string) (*ScriptCallout, error) {
	words, err := shell.Split(command)
	if err != nil {
		return nil, core.ErrInvalidArgument.Errorf("path handler: %s", err)
	}
	return &ScriptCallout{Runner: runner, Command: words}, nil
}

func (s *ScriptCallout) run(ctx context.Context, action string, count int, info string) (string, error) {
	args := append(append([]string{}, s.Command[1:]...), action, strconv.Itoa(count), info)
	log.V(1).Infof("running path handler: %s %s %d %s", s.Command[0], action, count, MaskSecrets(info))
	res, err := s.Runner.Run(ctx, s.Command[0], args...)
	log.V(1).Infof("path handler %s returned stdout %q", action, MaskSecrets(res.Stdout))
	if err != nil {
		return "", core.ErrInjection.Errorf("path handler %s: %s", action, MaskSecrets(err.Error()))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Block implements Callout.
func (s *ScriptCallout) Block(ctx context.Context, count int, info string) (string, error) {
	desc, err := s.run(ctx, "block", count, info)
	if err != nil {
		// A failed script may have blocked any of the paths.
		return info, err
	}
	return desc, nil
}

// Unblock implements Callout.
func (s *ScriptCallout) Unblock(ctx context.Context, count int, info string) error {
	_, err := s.run(ctx, "unblock", count, info)
	return err
}
