// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package control lets an operator steer a running certification over HTTP.
//
// A Service holds a map of keys to JSON values. Components register a handler
// under a key; the value starts out as null. A GET returns the whole map. A
// POST replaces it: each handler whose key is present is called with the new
// value, and each handler whose key went missing is called with nil.
//
// For example, to stop a run after the current iteration:
//
//	curl http://<host>:<port>/__control__ -XPOST -d '{"abort": "maintenance window over"}'
//
// and to see what has been requested:
//
//	curl http://<host>:<port>/__control__
package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"sync"
)

// DefaultPath is the path the service is mounted on by Mount.
const DefaultPath = "/__control__"

// Service is a registry of control handlers served over HTTP.
type Service struct {
	// Configurations of all registered handlers, initially nil.
	configs  map[string]*json.RawMessage
	handlers map[string]func(json.RawMessage) error // Key->Handler mapping.
	lock     sync.Mutex                             // Protect fields above.
}

// NewService returns a Service with no handlers.
func NewService() *Service {
	return &Service{
		configs:  make(map[string]*json.RawMessage),
		handlers: make(map[string]func(json.RawMessage) error),
	}
}

// Mount serves 's' on DefaultPath of 'mux'.
func (s *Service) Mount(mux *http.ServeMux) {
	mux.Handle(DefaultPath, s)
}

// Register a handler under the given key. A key can only be registered once.
func (s *Service) Register(key string, handler func(json.RawMessage) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.handlers[key]; ok {
		return fmt.Errorf("key %q is already registered", key)
	}
	s.handlers[key] = handler
	s.configs[key] = nil
	return nil
}

// MarshalJSON serializes the current values.
func (s *Service) MarshalJSON() ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return json.Marshal(s.configs)
}

// Apply the updates posted from users to current configuration.
func (s *Service) applyUpdates(updates map[string]*json.RawMessage) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	// All keys included in "updates" must be registered.
	for key := range updates {
		if _, ok := s.configs[key]; !ok {
			return fmt.Errorf("key %q is not registered", key)
		}
	}

	for key, curValue := range s.configs {
		updateValue := updates[key]
		if updateValue != nil {
			if err := s.handlers[key](*updateValue); err != nil {
				return err
			}
		}
		if updateValue == nil && curValue != nil {
			if err := s.handlers[key](nil); err != nil {
				return err
			}
		}
		s.configs[key] = updateValue
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (s *Service) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case "GET":
		json.NewEncoder(w).Encode(s)
	case "POST":
		s.doPost(w, req)
	default:
		replyError(w, fmt.Sprintf("Unsupported method %s", req.Method), http.StatusMethodNotAllowed)
	}
}

func (s *Service) doPost(w http.ResponseWriter, req *http.Request) {
	jsonData, err := ioutil.ReadAll(req.Body)
	if err != nil {
		replyError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var updates map[string]*json.RawMessage
	if err = json.NewDecoder(bytes.NewBuffer(jsonData)).Decode(&updates); err != nil {
		replyError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = s.applyUpdates(updates); err != nil {
		replyError(w, err.Error(), http.StatusBadRequest)
		return
	}
}

func replyError(w http.ResponseWriter, errorStr string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprintln(w, errorStr)
}
