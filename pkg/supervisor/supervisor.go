// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package supervisor restarts failed children with rest-for-one semantics:
// a failing child takes down and restarts itself and every child started
// after it, while earlier children keep running. Restart intensity is
// bounded; exceeding it stops the whole tree.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrExhausted is reported when restarts exceed the configured intensity.
var ErrExhausted = errors.New("supervisor: restart intensity exhausted")

// StopFunc tears one child down.
type StopFunc func(ctx context.Context) error

// ChildSpec declares how to start one supervised child. Start receives a
// notify callback the child uses to report its own failure; the supervisor
// then applies the restart strategy.
type ChildSpec struct {
	ID    string
	Start func(ctx context.Context, notify func(error)) (StopFunc, error)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithIntensity bounds restarts: more than maxRestarts within window stops
// the tree. Defaults to 3 restarts in 5 seconds.
func WithIntensity(maxRestarts int, window time.Duration) Option {
	return func(s *Supervisor) {
		s.maxRestarts = maxRestarts
		s.window = window
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithOnExhausted registers a callback fired when the tree gives up.
func WithOnExhausted(fn func(error)) Option {
	return func(s *Supervisor) { s.onExhausted = fn }
}

// Supervisor owns an ordered set of children under rest-for-one restarts.
type Supervisor struct {
	specs       []ChildSpec
	maxRestarts int
	window      time.Duration
	logger      *slog.Logger
	onExhausted func(error)

	mu       sync.Mutex
	stops    []StopFunc
	epochs   []int
	restarts []time.Time
	stopped  bool
}

// New builds a supervisor over the children in start order.
func New(specs []ChildSpec, opts ...Option) *Supervisor {
	s := &Supervisor{
		specs:       specs,
		maxRestarts: 3,
		window:      5 * time.Second,
		logger:      slog.Default(),
		stops:       make([]StopFunc, len(specs)),
		epochs:      make([]int, len(specs)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches every child in order. A start failure stops the children
// already started, in reverse order.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("supervisor: already stopped")
	}
	return s.startFrom(ctx, 0)
}

// startFrom launches children i..n-1. Caller holds the lock.
func (s *Supervisor) startFrom(ctx context.Context, from int) error {
	for i := from; i < len(s.specs); i++ {
		spec := s.specs[i]
		idx := i
		s.epochs[idx]++
		epoch := s.epochs[idx]

		stop, err := spec.Start(ctx, func(cause error) {
			s.childFailed(idx, epoch, cause)
		})
		if err != nil {
			s.stopFrom(context.Background(), from, i-1)
			return fmt.Errorf("supervisor: start %s: %w", spec.ID, err)
		}
		s.stops[i] = stop
	}
	return nil
}

// stopFrom tears children hi..lo down in reverse order. Caller holds the
// lock.
func (s *Supervisor) stopFrom(ctx context.Context, lo, hi int) {
	for i := hi; i >= lo; i-- {
		if s.stops[i] == nil {
			continue
		}
		if err := s.stops[i](ctx); err != nil {
			s.logger.Warn("supervisor: child stop failed", "child", s.specs[i].ID, "error", err)
		}
		s.stops[i] = nil
		s.epochs[i]++
	}
}

// childFailed applies rest-for-one: stop and restart the failed child and
// everything after it. Stale notifications from replaced incarnations are
// ignored.
func (s *Supervisor) childFailed(idx, epoch int, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.epochs[idx] != epoch {
		return
	}

	s.logger.Warn("supervisor: child failed",
		"child", s.specs[idx].ID, "error", cause)

	now := time.Now()
	kept := s.restarts[:0]
	for _, ts := range s.restarts {
		if now.Sub(ts) <= s.window {
			kept = append(kept, ts)
		}
	}
	s.restarts = append(kept, now)
	if len(s.restarts) > s.maxRestarts {
		s.logger.Error("supervisor: restart intensity exhausted, stopping tree",
			"child", s.specs[idx].ID)
		s.stopFrom(context.Background(), 0, len(s.specs)-1)
		s.stopped = true
		if s.onExhausted != nil {
			go s.onExhausted(fmt.Errorf("%w: child %s: %v", ErrExhausted, s.specs[idx].ID, cause))
		}
		return
	}

	s.stopFrom(context.Background(), idx, len(s.specs)-1)
	if err := s.startFrom(context.Background(), idx); err != nil {
		s.logger.Error("supervisor: restart failed, stopping tree", "error", err)
		s.stopFrom(context.Background(), 0, idx-1)
		s.stopped = true
		if s.onExhausted != nil {
			go s.onExhausted(err)
		}
	}
}

// Stop tears the whole tree down in reverse start order.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.stopFrom(ctx, 0, len(s.specs)-1)
	return nil
}

// Running reports whether the tree is still up.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}
