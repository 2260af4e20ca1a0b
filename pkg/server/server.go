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

// Package server hosts one agent per long-lived process. An AgentServer
// owns the conversation state and serializes every operation through a
// single mailbox goroutine; turns run on a child task so the mailbox stays
// responsive to cancel, inspection, and subscription requests mid-turn.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/hive/pkg/agent"
	"github.com/kadirpekel/hive/pkg/llm"
	"github.com/kadirpekel/hive/pkg/middleware"
	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/pubsub"
	"github.com/kadirpekel/hive/pkg/state"
	"github.com/kadirpekel/hive/pkg/subagent"
	"github.com/kadirpekel/hive/pkg/tool"
)

// Status is the server's lifecycle position.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusCancelled   Status = "cancelled"
	StatusError       Status = "error"
)

func (s Status) terminal() bool {
	return s == StatusError || s == StatusCancelled
}

// ErrStopped is returned by every operation after the server shut down.
var ErrStopped = errors.New("server: agent server is stopped")

// SaveNewMessageFunc persists one completed LLM message. The returned
// display messages are broadcast as display_message_saved; an error
// suppresses the broadcast of that message without failing the turn.
type SaveNewMessageFunc func(conversationID string, msg protocol.Message) ([]protocol.Message, error)

// Info is the inspection snapshot returned by GetInfo.
type Info struct {
	AgentID        string    `json:"agent_id"`
	Name           string    `json:"name"`
	Status         Status    `json:"status"`
	MessageCount   int       `json:"message_count"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// InactivityStatus reports the shutdown timer's position.
type InactivityStatus struct {
	Enabled        bool          `json:"enabled"`
	Timeout        time.Duration `json:"timeout"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	Remaining      time.Duration `json:"remaining"`
}

// Option configures an AgentServer.
type Option func(*AgentServer)

// WithPubSub attaches the event fabric.
func WithPubSub(b *pubsub.Broadcaster) Option {
	return func(s *AgentServer) { s.events = b }
}

// WithFiles attaches the agent's virtual filesystem.
func WithFiles(files tool.FileStore) Option {
	return func(s *AgentServer) { s.files = files }
}

// WithInactivityTimeout enables self-shutdown after a quiet period. Zero
// disables it.
func WithInactivityTimeout(d time.Duration) Option {
	return func(s *AgentServer) { s.inactivityTimeout = d }
}

// WithShutdownDelay defers the actual stop after the shutdown broadcast so
// final events can drain to subscribers.
func WithShutdownDelay(d time.Duration) Option {
	return func(s *AgentServer) { s.shutdownDelay = d }
}

// WithSaveNewMessage wires the persistence hook for completed LLM messages.
func WithSaveNewMessage(conversationID string, fn SaveNewMessageFunc) Option {
	return func(s *AgentServer) {
		s.conversationID = conversationID
		s.saveNewMessage = fn
	}
}

// WithOnShutdown registers the supervisor's stop callback, invoked after
// the shutdown delay when the inactivity timer fires.
func WithOnShutdown(fn func(reason string)) Option {
	return func(s *AgentServer) { s.onShutdown = fn }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *AgentServer) { s.logger = logger }
}

// AgentServer owns one agent's state and lifecycle. All fields below are
// touched only by the mailbox goroutine once Start has run.
type AgentServer struct {
	agent  *agent.Agent
	state  state.State
	status Status

	events     *pubsub.Broadcaster
	files      tool.FileStore
	topic      string
	debugTopic string

	engine *subagent.Engine

	interruptData *protocol.InterruptData
	lastError     error

	inactivityTimeout time.Duration
	shutdownDelay     time.Duration
	lastActivityAt    time.Time
	conversationID    string
	saveNewMessage    SaveNewMessageFunc
	onShutdown        func(reason string)
	logger            *slog.Logger

	// taskToken matches task completions to the run that spawned them;
	// completions carrying a stale token are dropped.
	taskToken  int
	taskCancel context.CancelFunc

	requests chan func()
	stopped  chan struct{}
}

// NewAgentServer builds a server around an agent and its initial state.
func NewAgentServer(a *agent.Agent, initial state.State, opts ...Option) *AgentServer {
	s := &AgentServer{
		agent:         a,
		state:         initial,
		status:        StatusIdle,
		topic:         pubsub.AgentTopic(a.ID),
		debugTopic:    pubsub.DebugTopic(a.ID),
		shutdownDelay: 100 * time.Millisecond,
		logger:        slog.Default(),
		requests:      make(chan func(), 64),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastActivityAt = time.Now()
	return s
}

// Start launches the mailbox and runs the middleware server-start hooks.
// It wires the sub-agent engine when the stack delegates.
func (s *AgentServer) Start(ctx context.Context) error {
	if sub, ok := s.agent.SubAgentMiddleware(); ok {
		s.engine = subagent.NewEngine(subagent.Config{
			ParentID:     s.agent.ID,
			Model:        s.agent.Model,
			SystemPrompt: s.agent.SystemPrompt,
			InterruptOn:  s.childInterruptOn(),
			Logger:       s.logger,
		}, s.env())
		sub.SetDelegator(s.engine)
	}

	st, err := middleware.RunServerStart(ctx, s.agent.Middleware, s.env(), s.state)
	if err != nil {
		return fmt.Errorf("server %s: start hooks: %w", s.agent.ID, err)
	}
	s.state = st

	go s.loop()
	return nil
}

func (s *AgentServer) childInterruptOn() map[string]any {
	hitl, ok := s.agent.HITL()
	if !ok {
		return nil
	}
	rules := hitl.InterruptOn()
	out := make(map[string]any, len(rules))
	for name, rc := range rules {
		out[name] = rc
	}
	return out
}

func (s *AgentServer) env() *middleware.Env {
	return &middleware.Env{
		AgentID:    s.agent.ID,
		Files:      s.files,
		Events:     s.events,
		Topic:      s.topic,
		DebugTopic: s.debugTopic,
	}
}

// loop is the mailbox. Every public operation funnels through here, so the
// state is only ever touched by this goroutine.
func (s *AgentServer) loop() {
	var timerC <-chan time.Time
	var timer *time.Timer
	rearm := func() {
		if s.inactivityTimeout <= 0 {
			return
		}
		if timer == nil {
			timer = time.NewTimer(s.inactivityTimeout)
			timerC = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.inactivityTimeout)
	}
	rearm()

	for {
		select {
		case fn, ok := <-s.requests:
			if !ok {
				return
			}
			fn()
			rearm()
			select {
			case <-s.stopped:
				if timer != nil {
					timer.Stop()
				}
				return
			default:
			}
		case <-timerC:
			s.handleInactivity()
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// call runs fn on the mailbox goroutine and waits for it.
func (s *AgentServer) call(fn func()) error {
	done := make(chan struct{})
	select {
	case <-s.stopped:
		return ErrStopped
	case s.requests <- func() { fn(); close(done) }:
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrStopped
	}
}

// cast enqueues fn without waiting; used by task goroutines reporting back.
func (s *AgentServer) cast(fn func()) {
	select {
	case <-s.stopped:
	case s.requests <- fn:
	}
}

func (s *AgentServer) publish(event pubsub.Event) {
	if s.events != nil {
		s.events.Publish(s.topic, event)
	}
}

func (s *AgentServer) publishDebug(event pubsub.Event) {
	if s.events != nil {
		s.events.Publish(s.debugTopic, event)
	}
}

func (s *AgentServer) setStatus(status Status, payload any) {
	s.status = status
	s.lastActivityAt = time.Now()
	s.publish(pubsub.NewEvent(pubsub.EventStatusChanged, pubsub.StatusChangedPayload{
		Status:  string(status),
		Payload: payload,
	}))
}

// Execute starts one turn. The server must be idle.
func (s *AgentServer) Execute(ctx context.Context) error {
	var opErr error
	err := s.call(func() {
		if s.status != StatusIdle {
			opErr = fmt.Errorf("server %s: cannot execute while %s", s.agent.ID, s.status)
			return
		}
		s.lastError = nil
		s.interruptData = nil
		s.setStatus(StatusRunning, nil)
		s.spawnTask(ctx, func(taskCtx context.Context, cb llm.Callbacks) (agent.Outcome, error) {
			return s.agent.Execute(taskCtx, s.env(), s.state, cb)
		})
	})
	if err != nil {
		return err
	}
	return opErr
}

// Resume continues a parked turn with reviewer decisions.
func (s *AgentServer) Resume(ctx context.Context, decisions []protocol.Decision) error {
	var opErr error
	err := s.call(func() {
		if s.status != StatusInterrupted {
			opErr = fmt.Errorf("server %s: cannot resume while %s", s.agent.ID, s.status)
			return
		}
		// A bad decision vector rejects the call; the turn stays parked.
		if s.interruptData != nil {
			if verr := s.interruptData.ValidateDecisions(decisions); verr != nil {
				opErr = fmt.Errorf("server %s: %w", s.agent.ID, verr)
				return
			}
		}
		s.interruptData = nil
		s.setStatus(StatusRunning, nil)
		s.spawnTask(ctx, func(taskCtx context.Context, cb llm.Callbacks) (agent.Outcome, error) {
			return s.agent.Resume(taskCtx, s.env(), s.state, decisions, cb)
		})
	})
	if err != nil {
		return err
	}
	return opErr
}

// Cancel kills the current task. The state may be mid-turn inconsistent,
// so nothing about it is broadcast.
func (s *AgentServer) Cancel() error {
	var opErr error
	err := s.call(func() {
		if s.status != StatusRunning {
			opErr = fmt.Errorf("server %s: cannot cancel while %s", s.agent.ID, s.status)
			return
		}
		if s.taskCancel != nil {
			s.taskCancel()
			s.taskCancel = nil
		}
		s.taskToken++
		s.setStatus(StatusCancelled, nil)
	})
	if err != nil {
		return err
	}
	return opErr
}

// spawnTask runs one turn leg off the mailbox goroutine. Runs only on the
// mailbox goroutine.
func (s *AgentServer) spawnTask(ctx context.Context, leg func(context.Context, llm.Callbacks) (agent.Outcome, error)) {
	s.taskToken++
	token := s.taskToken

	taskCtx, cancel := context.WithCancel(ctx)
	s.taskCancel = cancel

	cb := llm.Callbacks{
		OnDelta: func(deltas []protocol.MessageDelta) {
			s.publish(pubsub.NewEvent(pubsub.EventLLMDeltas, pubsub.LLMDeltasPayload{Deltas: deltas}))
		},
		OnMessage: func(msg protocol.Message) {
			s.cast(func() { s.broadcastLLMMessage(msg) })
		},
		OnTokenUsage: func(usage protocol.TokenUsage) {
			s.publish(pubsub.NewEvent(pubsub.EventLLMTokenUsage, usage))
		},
	}

	go func() {
		defer cancel()
		outcome, err := leg(taskCtx, cb)
		s.cast(func() { s.finishTask(token, outcome, err) })
	}()
}

// broadcastLLMMessage runs the persistence hook before fanning the message
// out. A failing hook suppresses the broadcast of this message only.
func (s *AgentServer) broadcastLLMMessage(msg protocol.Message) {
	if s.saveNewMessage != nil {
		displays, err := s.saveNewMessage(s.conversationID, msg)
		if err != nil {
			s.logger.Warn("save_new_message failed, suppressing broadcast",
				"agent_id", s.agent.ID, "error", err)
			return
		}
		s.publish(pubsub.NewEvent(pubsub.EventLLMMessage, msg))
		for _, d := range displays {
			s.publish(pubsub.NewEvent(pubsub.EventDisplayMessageSaved, d))
		}
		return
	}
	s.publish(pubsub.NewEvent(pubsub.EventLLMMessage, msg))
}

// finishTask folds a completed turn back into the server. Stale tokens and
// completions arriving while cancelled are dropped.
func (s *AgentServer) finishTask(token int, outcome agent.Outcome, err error) {
	if token != s.taskToken || s.status == StatusCancelled {
		return
	}
	s.taskCancel = nil

	switch {
	case err != nil:
		s.lastError = err
		s.setStatus(StatusError, err.Error())
		s.logger.Error("turn failed", "agent_id", s.agent.ID, "error", err)
	case outcome.Interrupted():
		s.state = outcome.State
		s.interruptData = outcome.Interrupt
		s.setStatus(StatusInterrupted, outcome.Interrupt)
	default:
		s.state = outcome.State
		s.setStatus(StatusIdle, nil)
		s.publishDebug(pubsub.NewEvent(pubsub.EventAgentStateUpdate, pubsub.StateUpdatePayload{State: s.state}))
	}
}

// AddMessage appends to the conversation. A terminal server becomes idle
// again so the next Execute can run.
func (s *AgentServer) AddMessage(msg protocol.Message) error {
	return s.call(func() {
		s.state = s.state.AddMessage(msg)
		if s.status.terminal() {
			s.lastError = nil
			s.setStatus(StatusIdle, nil)
		}
		s.lastActivityAt = time.Now()
		s.broadcastLLMMessage(msg)
	})
}

// Reset clears the conversation and the filesystem. Metadata and the files
// index survive per state reset semantics; VFS reset empties the store.
func (s *AgentServer) Reset(ctx context.Context) error {
	var opErr error
	err := s.call(func() {
		if r, ok := s.files.(interface{ Reset(context.Context) error }); ok && r != nil {
			if rerr := r.Reset(ctx); rerr != nil {
				opErr = fmt.Errorf("server %s: vfs reset: %w", s.agent.ID, rerr)
				return
			}
		}
		s.state = s.state.Reset()
		s.interruptData = nil
		if s.status.terminal() {
			s.lastError = nil
			s.setStatus(StatusIdle, nil)
		}
		s.publishDebug(pubsub.NewEvent(pubsub.EventAgentStateUpdate, pubsub.StateUpdatePayload{State: s.state}))
	})
	if err != nil {
		return err
	}
	return opErr
}

// SetTodos replaces the todo list wholesale.
func (s *AgentServer) SetTodos(todos []protocol.Todo) error {
	return s.call(func() {
		s.state = s.state.SetTodos(todos)
		s.publish(pubsub.NewEvent(pubsub.EventTodosUpdated, pubsub.TodosUpdatedPayload{Todos: todos}))
	})
}

// SetMessages replaces the message list wholesale.
func (s *AgentServer) SetMessages(msgs []protocol.Message) error {
	return s.call(func() {
		s.state = s.state.SetMessages(msgs)
		s.publishDebug(pubsub.NewEvent(pubsub.EventAgentStateUpdate, pubsub.StateUpdatePayload{State: s.state}))
	})
}

// ExportState serializes the current state without its agent id.
func (s *AgentServer) ExportState() ([]byte, error) {
	var (
		data []byte
		serr error
	)
	err := s.call(func() {
		data, serr = s.state.Serialize()
	})
	if err != nil {
		return nil, err
	}
	return data, serr
}

// RestoreState replaces the conversation from a serialized snapshot. The
// current agent config is kept; a malformed snapshot leaves everything
// unchanged.
func (s *AgentServer) RestoreState(data []byte) error {
	var opErr error
	err := s.call(func() {
		restored, derr := state.Deserialize(s.agent.ID, data)
		if derr != nil {
			opErr = derr
			return
		}
		s.state = restored
		s.publish(pubsub.NewEvent(pubsub.EventStateRestored, restored))
	})
	if err != nil {
		return err
	}
	return opErr
}

// UpdateAgentAndState atomically replaces both the agent and its state.
func (s *AgentServer) UpdateAgentAndState(a *agent.Agent, st state.State) error {
	var opErr error
	err := s.call(func() {
		if st.AgentID == "" {
			opErr = fmt.Errorf("server: update requires state with agent_id")
			return
		}
		s.agent = a
		s.state = st
		s.topic = pubsub.AgentTopic(a.ID)
		s.debugTopic = pubsub.DebugTopic(a.ID)
		if sub, ok := a.SubAgentMiddleware(); ok && s.engine != nil {
			sub.SetDelegator(s.engine)
		}
		s.publishDebug(pubsub.NewEvent(pubsub.EventAgentStateUpdate, pubsub.StateUpdatePayload{State: s.state}))
	})
	if err != nil {
		return err
	}
	return opErr
}

// Subscribe joins the agent's event topic.
func (s *AgentServer) Subscribe() *pubsub.Subscription {
	if s.events == nil {
		return nil
	}
	return s.events.Subscribe(s.topic)
}

// SubscribeDebug joins the agent's debug topic.
func (s *AgentServer) SubscribeDebug() *pubsub.Subscription {
	if s.events == nil {
		return nil
	}
	return s.events.Subscribe(s.debugTopic)
}

// GetState returns the current state snapshot.
func (s *AgentServer) GetState() (state.State, error) {
	var st state.State
	err := s.call(func() { st = s.state })
	return st, err
}

// GetStatus returns the current lifecycle status.
func (s *AgentServer) GetStatus() (Status, error) {
	var status Status
	err := s.call(func() { status = s.status })
	return status, err
}

// GetInterrupt returns the parked interrupt data, nil when not parked.
func (s *AgentServer) GetInterrupt() (*protocol.InterruptData, error) {
	var data *protocol.InterruptData
	err := s.call(func() { data = s.interruptData })
	return data, err
}

// GetInfo returns an inspection snapshot.
func (s *AgentServer) GetInfo() (Info, error) {
	var info Info
	err := s.call(func() {
		info = Info{
			AgentID:        s.agent.ID,
			Name:           s.agent.Name,
			Status:         s.status,
			MessageCount:   len(s.state.Messages),
			LastActivityAt: s.lastActivityAt,
		}
	})
	return info, err
}

// GetInactivityStatus reports the shutdown timer's position.
func (s *AgentServer) GetInactivityStatus() (InactivityStatus, error) {
	var st InactivityStatus
	err := s.call(func() {
		st = InactivityStatus{
			Enabled:        s.inactivityTimeout > 0,
			Timeout:        s.inactivityTimeout,
			LastActivityAt: s.lastActivityAt,
		}
		if st.Enabled {
			st.Remaining = s.inactivityTimeout - time.Since(s.lastActivityAt)
			if st.Remaining < 0 {
				st.Remaining = 0
			}
		}
	})
	return st, err
}

// AgentID returns the hosted agent's id.
func (s *AgentServer) AgentID() string { return s.agent.ID }

// SubAgentEngine returns the wired delegation engine, nil when the stack
// has no sub-agent middleware.
func (s *AgentServer) SubAgentEngine() *subagent.Engine { return s.engine }

// handleInactivity runs on the mailbox goroutine when the timer fires.
func (s *AgentServer) handleInactivity() {
	s.logger.Info("agent inactive, shutting down", "agent_id", s.agent.ID)
	s.shutdown("inactivity")
}

func (s *AgentServer) shutdown(reason string) {
	s.publish(pubsub.NewEvent(pubsub.EventAgentShutdown, pubsub.ShutdownPayload{Reason: reason}))
	if s.taskCancel != nil {
		s.taskCancel()
		s.taskCancel = nil
	}
	close(s.stopped)

	// Deferred so in-flight events drain to subscribers before the owning
	// supervisor tears the subtree down.
	delay := s.shutdownDelay
	onShutdown := s.onShutdown
	go func() {
		time.Sleep(delay)
		if onShutdown != nil {
			onShutdown(reason)
		}
	}()
}

// Stop shuts the server down with the given reason.
func (s *AgentServer) Stop(reason string) error {
	err := s.call(func() { s.shutdown(reason) })
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

// Stopped reports whether the server has shut down.
func (s *AgentServer) Stopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}
