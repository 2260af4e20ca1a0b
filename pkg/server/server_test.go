package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hive/pkg/agent"
	"github.com/kadirpekel/hive/pkg/llm"
	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/pubsub"
	"github.com/kadirpekel/hive/pkg/state"
	"github.com/kadirpekel/hive/pkg/tool"
)

type blockingClient struct {
	release chan struct{}
	msg     protocol.Message
}

func newBlockingClient(msg protocol.Message) *blockingClient {
	return &blockingClient{release: make(chan struct{}), msg: msg}
}

func (b *blockingClient) Model() string { return "blocking" }
func (b *blockingClient) Close() error  { return nil }

func (b *blockingClient) Complete(ctx context.Context, req llm.Request) (protocol.Message, error) {
	select {
	case <-b.release:
		return b.msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (b *blockingClient) Stream(ctx context.Context, req llm.Request, cb llm.Callbacks) (protocol.Message, error) {
	return b.Complete(ctx, req)
}

func newTestServer(t *testing.T, client llm.Client, mutate func(*agent.Config), opts ...Option) (*AgentServer, *pubsub.Broadcaster) {
	t.Helper()
	cfg := agent.Config{
		ID:    "agent_test",
		Name:  "tester",
		Model: llm.Handle{Client: client},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := agent.New(cfg)
	require.NoError(t, err)

	broadcaster := pubsub.New()
	t.Cleanup(broadcaster.Close)

	s := NewAgentServer(a, state.New(a.ID), append([]Option{WithPubSub(broadcaster)}, opts...)...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop("test done") })
	return s, broadcaster
}

func waitStatus(t *testing.T, s *AgentServer, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := s.GetStatus()
		return err == nil && status == want
	}, 2*time.Second, 5*time.Millisecond, "status never reached %s", want)
}

func collectUntil(t *testing.T, sub *pubsub.Subscription, eventType pubsub.EventType) []pubsub.Event {
	t.Helper()
	var events []pubsub.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub.C():
			events = append(events, e)
			if e.Type == eventType {
				return events
			}
		case <-deadline:
			t.Fatalf("never saw %s (got %d events)", eventType, len(events))
		}
	}
}

func TestExecuteLifecycle(t *testing.T) {
	s, _ := newTestServer(t, llm.NewScriptedClient(protocol.NewAssistantMessage("hello")), nil)
	sub := s.Subscribe()
	defer sub.Unsubscribe()

	require.NoError(t, s.AddMessage(protocol.NewUserMessage("hi")))
	require.NoError(t, s.Execute(context.Background()))
	waitStatus(t, s, StatusIdle)

	st, err := s.GetState()
	require.NoError(t, err)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "hello", st.Messages[1].Text())

	var statuses []string
	for _, e := range collectUntil(t, sub, pubsub.EventStatusChanged) {
		if e.Type == pubsub.EventStatusChanged {
			statuses = append(statuses, e.Payload.(pubsub.StatusChangedPayload).Status)
		}
	}
	// The first status event is the transition into running; idle follows
	// once the turn completes.
	require.NotEmpty(t, statuses)
	assert.Equal(t, "running", statuses[0])
}

func TestExecuteRequiresIdle(t *testing.T) {
	client := newBlockingClient(protocol.NewAssistantMessage("late"))
	s, _ := newTestServer(t, client, nil)

	require.NoError(t, s.AddMessage(protocol.NewUserMessage("go")))
	require.NoError(t, s.Execute(context.Background()))

	err := s.Execute(context.Background())
	assert.ErrorContains(t, err, "cannot execute while running")

	close(client.release)
	waitStatus(t, s, StatusIdle)
}

func TestCancelDropsLateCompletion(t *testing.T) {
	client := newBlockingClient(protocol.NewAssistantMessage("late"))
	s, _ := newTestServer(t, client, nil)

	require.NoError(t, s.AddMessage(protocol.NewUserMessage("go")))
	require.NoError(t, s.Execute(context.Background()))
	require.NoError(t, s.Cancel())

	status, err := s.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, status)

	// The killed task's completion must not resurrect the run.
	close(client.release)
	time.Sleep(50 * time.Millisecond)

	status, err = s.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, status)

	st, err := s.GetState()
	require.NoError(t, err)
	assert.Len(t, st.Messages, 1)
}

func TestCancelRequiresRunning(t *testing.T) {
	s, _ := newTestServer(t, llm.NewScriptedClient(), nil)
	assert.ErrorContains(t, s.Cancel(), "cannot cancel while idle")
}

func gatedEcho(record *[]string) tool.Spec {
	return tool.Spec{
		Name:        "echo",
		Description: "Echo text",
		Parameters: []tool.FunctionParam{
			{Name: "text", Type: tool.TypeString, Description: "Text", Required: true},
		},
		Handler: func(ctx context.Context, tc *tool.Context, args map[string]any) (protocol.ToolResult, error) {
			if record != nil {
				text, _ := args["text"].(string)
				*record = append(*record, text)
			}
			return protocol.NewToolResult("", "ok"), nil
		},
	}
}

func TestInterruptAndResume(t *testing.T) {
	client := llm.NewScriptedClient(
		protocol.NewAssistantMessage("", protocol.NewToolCall("c1", "echo", map[string]any{"text": "gated"})),
		protocol.NewAssistantMessage("done"),
	)
	var ran []string
	s, _ := newTestServer(t, client, func(cfg *agent.Config) {
		cfg.Tools = []tool.Spec{gatedEcho(&ran)}
		cfg.InterruptOn = map[string]any{"echo": true}
	})

	require.NoError(t, s.AddMessage(protocol.NewUserMessage("go")))
	require.NoError(t, s.Execute(context.Background()))
	waitStatus(t, s, StatusInterrupted)

	data, err := s.GetInterrupt()
	require.NoError(t, err)
	require.NotNil(t, data)
	require.Len(t, data.ActionRequests, 1)
	assert.Empty(t, ran)

	require.NoError(t, s.Resume(context.Background(), []protocol.Decision{protocol.Approve()}))
	waitStatus(t, s, StatusIdle)

	assert.Equal(t, []string{"gated"}, ran)
	st, err := s.GetState()
	require.NoError(t, err)
	assert.Nil(t, st.Interrupt)
	assert.Equal(t, "done", st.Messages[len(st.Messages)-1].Text())
}

func TestResumeRequiresInterrupted(t *testing.T) {
	s, _ := newTestServer(t, llm.NewScriptedClient(), nil)
	err := s.Resume(context.Background(), nil)
	assert.ErrorContains(t, err, "cannot resume while idle")
}

func TestErrorStateRevivedByAddMessage(t *testing.T) {
	client := llm.NewScriptedClient()
	client.Err = fmt.Errorf("provider down")
	s, _ := newTestServer(t, client, nil)

	require.NoError(t, s.AddMessage(protocol.NewUserMessage("go")))
	require.NoError(t, s.Execute(context.Background()))
	waitStatus(t, s, StatusError)

	// The failed turn must not have touched the conversation.
	st, err := s.GetState()
	require.NoError(t, err)
	assert.Len(t, st.Messages, 1)

	require.NoError(t, s.AddMessage(protocol.NewUserMessage("try again")))
	waitStatus(t, s, StatusIdle)
}

func TestExportRestoreRoundTrip(t *testing.T) {
	s, _ := newTestServer(t, llm.NewScriptedClient(protocol.NewAssistantMessage("hello")), nil)

	require.NoError(t, s.AddMessage(protocol.NewUserMessage("hi")))
	require.NoError(t, s.Execute(context.Background()))
	waitStatus(t, s, StatusIdle)
	require.NoError(t, s.SetTodos([]protocol.Todo{{ID: "1", Content: "x", Status: protocol.TodoPending}}))

	data, err := s.ExportState()
	require.NoError(t, err)

	// Restore into a server hosting a different agent id.
	other, _ := newTestServer(t, llm.NewScriptedClient(), func(cfg *agent.Config) {
		cfg.ID = "agent_other"
	})
	sub := other.Subscribe()
	defer sub.Unsubscribe()

	require.NoError(t, other.RestoreState(data))

	st, err := other.GetState()
	require.NoError(t, err)
	assert.Equal(t, "agent_other", st.AgentID)
	require.Len(t, st.Messages, 2)
	require.Len(t, st.Todos, 1)

	event := <-sub.C()
	assert.Equal(t, pubsub.EventStateRestored, event.Type)
}

func TestRestoreRejectsMalformedPayload(t *testing.T) {
	s, _ := newTestServer(t, llm.NewScriptedClient(), nil)
	require.NoError(t, s.AddMessage(protocol.NewUserMessage("keep me")))

	err := s.RestoreState([]byte(`{"not": "a state"}`))
	var serr *state.SerializationError
	require.ErrorAs(t, err, &serr)

	st, gerr := s.GetState()
	require.NoError(t, gerr)
	require.Len(t, st.Messages, 1)
	assert.Equal(t, "keep me", st.Messages[0].Text())
}

func TestSetTodosBroadcasts(t *testing.T) {
	s, _ := newTestServer(t, llm.NewScriptedClient(), nil)
	sub := s.Subscribe()
	defer sub.Unsubscribe()

	require.NoError(t, s.SetTodos([]protocol.Todo{{ID: "1", Content: "plan", Status: protocol.TodoPending}}))

	events := collectUntil(t, sub, pubsub.EventTodosUpdated)
	last := events[len(events)-1]
	payload := last.Payload.(pubsub.TodosUpdatedPayload)
	require.Len(t, payload.Todos, 1)
	assert.Equal(t, "plan", payload.Todos[0].Content)
}

func TestSaveNewMessageHook(t *testing.T) {
	display := protocol.NewAssistantMessage("rendered")
	var saved []protocol.Message
	s, _ := newTestServer(t, llm.NewScriptedClient(protocol.NewAssistantMessage("hello")), nil,
		WithSaveNewMessage("conv-1", func(conversationID string, msg protocol.Message) ([]protocol.Message, error) {
			saved = append(saved, msg)
			return []protocol.Message{display}, nil
		}))
	sub := s.Subscribe()
	defer sub.Unsubscribe()

	require.NoError(t, s.AddMessage(protocol.NewUserMessage("hi")))
	require.NoError(t, s.Execute(context.Background()))
	waitStatus(t, s, StatusIdle)

	events := collectUntil(t, sub, pubsub.EventDisplayMessageSaved)
	assert.Equal(t, pubsub.EventDisplayMessageSaved, events[len(events)-1].Type)
	require.Len(t, saved, 2)
}

func TestSaveNewMessageFailureSuppressesBroadcast(t *testing.T) {
	s, _ := newTestServer(t, llm.NewScriptedClient(protocol.NewAssistantMessage("hello")), nil,
		WithSaveNewMessage("conv-1", func(conversationID string, msg protocol.Message) ([]protocol.Message, error) {
			return nil, fmt.Errorf("db down")
		}))
	sub := s.Subscribe()
	defer sub.Unsubscribe()

	require.NoError(t, s.AddMessage(protocol.NewUserMessage("hi")))
	require.NoError(t, s.Execute(context.Background()))
	waitStatus(t, s, StatusIdle)

	// The turn still completed; no llm_message ever surfaced.
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case e := <-sub.C():
			assert.NotEqual(t, pubsub.EventLLMMessage, e.Type)
			assert.NotEqual(t, pubsub.EventDisplayMessageSaved, e.Type)
		case <-deadline:
			return
		}
	}
}

func TestInactivityShutdown(t *testing.T) {
	stopped := make(chan string, 1)
	s, _ := newTestServer(t, llm.NewScriptedClient(), nil,
		WithInactivityTimeout(40*time.Millisecond),
		WithShutdownDelay(time.Millisecond),
		WithOnShutdown(func(reason string) { stopped <- reason }))
	sub := s.Subscribe()
	defer sub.Unsubscribe()

	select {
	case reason := <-stopped:
		assert.Equal(t, "inactivity", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("inactivity shutdown never fired")
	}

	events := collectUntil(t, sub, pubsub.EventAgentShutdown)
	payload := events[len(events)-1].Payload.(pubsub.ShutdownPayload)
	assert.Equal(t, "inactivity", payload.Reason)

	assert.True(t, s.Stopped())
	assert.ErrorIs(t, s.AddMessage(protocol.NewUserMessage("too late")), ErrStopped)
}

func TestGetInfoAndInactivityStatus(t *testing.T) {
	s, _ := newTestServer(t, llm.NewScriptedClient(), nil, WithInactivityTimeout(time.Hour))

	require.NoError(t, s.AddMessage(protocol.NewUserMessage("hi")))

	info, err := s.GetInfo()
	require.NoError(t, err)
	assert.Equal(t, "agent_test", info.AgentID)
	assert.Equal(t, StatusIdle, info.Status)
	assert.Equal(t, 1, info.MessageCount)

	ia, err := s.GetInactivityStatus()
	require.NoError(t, err)
	assert.True(t, ia.Enabled)
	assert.Greater(t, ia.Remaining, time.Duration(0))
}

func TestRegistryQueries(t *testing.T) {
	r := NewRegistry()

	client := newBlockingClient(protocol.NewAssistantMessage("late"))
	running, _ := newTestServer(t, client, func(cfg *agent.Config) { cfg.ID = "agent_running" })
	idle, _ := newTestServer(t, llm.NewScriptedClient(), func(cfg *agent.Config) { cfg.ID = "agent_idle" })

	require.NoError(t, r.Add(running))
	require.NoError(t, r.Add(idle))

	require.NoError(t, running.AddMessage(protocol.NewUserMessage("go")))
	require.NoError(t, running.Execute(context.Background()))

	assert.Equal(t, 2, r.AgentCount())
	assert.Equal(t, []string{"agent_running"}, r.ListRunningAgents())
	assert.ElementsMatch(t, []string{"agent_running", "agent_idle"}, r.ListAgentsMatching("agent_*"))

	info, err := r.AgentInfo("agent_idle")
	require.NoError(t, err)
	assert.Equal(t, "agent_idle", info.AgentID)

	_, err = r.AgentInfo("agent_missing")
	assert.Error(t, err)

	close(client.release)
	waitStatus(t, running, StatusIdle)
}

func TestResumeRejectsBadDecisionVector(t *testing.T) {
	client := llm.NewScriptedClient(
		protocol.NewAssistantMessage("", protocol.NewToolCall("c1", "echo", map[string]any{"text": "gated"})),
		protocol.NewAssistantMessage("done"),
	)
	var ran []string
	s, _ := newTestServer(t, client, func(cfg *agent.Config) {
		cfg.Tools = []tool.Spec{gatedEcho(&ran)}
		cfg.InterruptOn = map[string]any{"echo": true}
	})

	require.NoError(t, s.AddMessage(protocol.NewUserMessage("go")))
	require.NoError(t, s.Execute(context.Background()))
	waitStatus(t, s, StatusInterrupted)

	// Wrong-length vector: rejected synchronously, turn stays parked.
	err := s.Resume(context.Background(), nil)
	require.ErrorContains(t, err, "expected 1 decisions")

	status, err := s.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, status)
	data, err := s.GetInterrupt()
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Empty(t, ran)

	// The parked interrupt is still resumable with a valid vector.
	require.NoError(t, s.Resume(context.Background(), []protocol.Decision{protocol.Approve()}))
	waitStatus(t, s, StatusIdle)
	assert.Equal(t, []string{"gated"}, ran)
}
