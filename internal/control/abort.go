// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package control

import (
	"encoding/json"
	"sync"

	log "github.com/golang/glog"
)

// AbortKey is the control key an Abort is registered under.
const AbortKey = "abort"

// Abort is a one-way latch asking a run to stop at the next iteration
// boundary. The in-flight iteration still restores its paths.
type Abort struct {
	once   sync.Once
	lock   sync.Mutex
	reason string
	ch     chan struct{}
}

// NewAbort returns an unset Abort.
func NewAbort() *Abort {
	return &Abort{ch: make(chan struct{})}
}

// Request sets the latch. Only the first reason is kept.
func (a *Abort) Request(reason string) {
	a.once.Do(func() {
		log.Warningf("abort requested: %s", reason)
		a.lock.Lock()
		a.reason = reason
		a.lock.Unlock()
		close(a.ch)
	})
}

// Requested returns true once Request has been called.
func (a *Abort) Requested() bool {
	select {
	case <-a.ch:
		return true
	default:
		return false
	}
}

// Done is closed when an abort is requested.
func (a *Abort) Done() <-chan struct{} {
	return a.ch
}

// Reason returns the reason given to the first Request.
func (a *Abort) Reason() string {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.reason
}

// Handler is a control handler for AbortKey. Its value is either true or a
// reason string. An abort can't be taken back, so nil and false are ignored.
func (a *Abort) Handler(config json.RawMessage) error {
	if config == nil {
		return nil
	}
	var reason string
	if err := json.Unmarshal(config, &reason); err == nil {
		if reason == "" {
			reason = "requested over http"
		}
		a.Request(reason)
		return nil
	}
	var set bool
	if err := json.Unmarshal(config, &set); err != nil {
		return err
	}
	if set {
		a.Request("requested over http")
	}
	return nil
}
