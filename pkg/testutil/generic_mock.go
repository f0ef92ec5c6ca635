// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testutil

import (
	"reflect"
	"sync"
	"testing"
)

// GenericMock is a simple library to help write mock objects. It's intended to
// be embedded in another struct that will define type-safe wrappers.
type GenericMock struct {
	t     *testing.T
	lock  sync.Mutex
	calls []mockCall
}

// NewGenericMock creates a new GenericMock. Errors will be reported with the
// given testing.T.
func NewGenericMock(t *testing.T) *GenericMock {
	return &GenericMock{t: t}
}

// AddCall registers a single call to be mocked. Arguments must match exactly
// (according to reflect.DeepEqual).
func (m *GenericMock) AddCall(method string, result interface{}, args ...interface{}) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.calls = append(m.calls, mockCall{method: method, args: args, result: result})
}

// AddSticky registers a call that can be matched any number of times. It's
// only consulted when no one-shot call from AddCall matches.
func (m *GenericMock) AddSticky(method string, result interface{}, args ...interface{}) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.calls = append(m.calls, mockCall{method: method, args: args, result: result, sticky: true})
}

// GetResult looks up a call for a given method and arguments. It will return
// the first unused call that matches, falling back to a sticky call. If no
// registered call matches, it will Errorf on the testing context and return
// nil.
func (m *GenericMock) GetResult(method string, args ...interface{}) interface{} {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, call := range m.calls {
		if !call.sticky && !call.used && call.matches(method, args) {
			m.calls[i].used = true
			return call.result
		}
	}
	for _, call := range m.calls {
		if call.sticky && call.matches(method, args) {
			return call.result
		}
	}
	// Mocks may be called off the test goroutine, where Fatalf is not allowed.
	m.t.Errorf("no calls for method %q args %#v", method, args)
	return nil
}

// NoMoreCalls checks that there are no unused registered one-shot calls. If
// there are, it will Fatalf on the testing context.
func (m *GenericMock) NoMoreCalls() {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, call := range m.calls {
		if !call.sticky && !call.used {
			m.t.Fatalf("unused call: %s %#v", call.method, call.args)
		}
	}
}

type mockCall struct {
	method string
	args   []interface{}
	result interface{}
	used   bool
	sticky bool
}

func (c mockCall) matches(method string, args []interface{}) bool {
	return c.method == method && reflect.DeepEqual(c.args, args)
}

// ToErr properly converts an interface{} to an error.
func ToErr(v interface{}) error {
	if v == nil {
		return nil
	}
	return v.(error)
}
