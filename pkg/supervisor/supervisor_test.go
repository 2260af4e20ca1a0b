package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/hive/pkg/agent"
	"github.com/kadirpekel/hive/pkg/llm"
	"github.com/kadirpekel/hive/pkg/protocol"
	"github.com/kadirpekel/hive/pkg/pubsub"
	"github.com/kadirpekel/hive/pkg/state"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeChild struct {
	id     string
	rec    *recorder
	mu     sync.Mutex
	notify func(error)
}

func (c *fakeChild) spec() ChildSpec {
	return ChildSpec{
		ID: c.id,
		Start: func(ctx context.Context, notify func(error)) (StopFunc, error) {
			c.mu.Lock()
			c.notify = notify
			c.mu.Unlock()
			c.rec.add("start " + c.id)
			return func(context.Context) error {
				c.rec.add("stop " + c.id)
				return nil
			}, nil
		},
	}
}

func (c *fakeChild) fail(err error) {
	c.mu.Lock()
	notify := c.notify
	c.mu.Unlock()
	notify(err)
}

func TestStartAndStopOrder(t *testing.T) {
	rec := &recorder{}
	a := &fakeChild{id: "a", rec: rec}
	b := &fakeChild{id: "b", rec: rec}
	c := &fakeChild{id: "c", rec: rec}

	sup := New([]ChildSpec{a.spec(), b.spec(), c.spec()})
	require.NoError(t, sup.Start(context.Background()))
	require.NoError(t, sup.Stop(context.Background()))

	assert.Equal(t, []string{
		"start a", "start b", "start c",
		"stop c", "stop b", "stop a",
	}, rec.list())
	assert.False(t, sup.Running())
}

func TestRestForOneRestartsLaterChildrenOnly(t *testing.T) {
	rec := &recorder{}
	a := &fakeChild{id: "a", rec: rec}
	b := &fakeChild{id: "b", rec: rec}
	c := &fakeChild{id: "c", rec: rec}

	sup := New([]ChildSpec{a.spec(), b.spec(), c.spec()})
	require.NoError(t, sup.Start(context.Background()))

	b.fail(fmt.Errorf("b crashed"))

	assert.Equal(t, []string{
		"start a", "start b", "start c",
		"stop c", "stop b",
		"start b", "start c",
	}, rec.list())
	assert.True(t, sup.Running())
}

func TestIntensityExhaustedStopsTree(t *testing.T) {
	rec := &recorder{}
	a := &fakeChild{id: "a", rec: rec}
	b := &fakeChild{id: "b", rec: rec}

	exhausted := make(chan error, 1)
	sup := New([]ChildSpec{a.spec(), b.spec()},
		WithIntensity(2, time.Minute),
		WithOnExhausted(func(err error) { exhausted <- err }))
	require.NoError(t, sup.Start(context.Background()))

	b.fail(fmt.Errorf("crash 1"))
	b.fail(fmt.Errorf("crash 2"))
	b.fail(fmt.Errorf("crash 3"))

	select {
	case err := <-exhausted:
		assert.ErrorIs(t, err, ErrExhausted)
	case <-time.After(time.Second):
		t.Fatal("onExhausted never fired")
	}
	assert.False(t, sup.Running())

	events := rec.list()
	assert.Equal(t, "stop a", events[len(events)-1])
}

func TestStaleNotificationIgnored(t *testing.T) {
	rec := &recorder{}
	a := &fakeChild{id: "a", rec: rec}
	b := &fakeChild{id: "b", rec: rec}

	sup := New([]ChildSpec{a.spec(), b.spec()})
	require.NoError(t, sup.Start(context.Background()))

	b.mu.Lock()
	oldNotify := b.notify
	b.mu.Unlock()

	b.fail(fmt.Errorf("first crash"))
	before := len(rec.list())

	// The replaced incarnation's notify must be a no-op.
	oldNotify(fmt.Errorf("ghost crash"))
	assert.Len(t, rec.list(), before)
	assert.True(t, sup.Running())
}

func TestStartFailureUnwinds(t *testing.T) {
	rec := &recorder{}
	a := &fakeChild{id: "a", rec: rec}

	failing := ChildSpec{
		ID: "b",
		Start: func(ctx context.Context, notify func(error)) (StopFunc, error) {
			return nil, fmt.Errorf("b refuses to start")
		},
	}

	sup := New([]ChildSpec{a.spec(), failing})
	err := sup.Start(context.Background())
	assert.ErrorContains(t, err, "b refuses to start")
	assert.Equal(t, []string{"start a", "stop a"}, rec.list())
}

func TestAgentTreeLifecycle(t *testing.T) {
	client := llm.NewScriptedClient(protocol.NewAssistantMessage("hello"))
	a, err := agent.New(agent.Config{
		ID:    "agent_tree",
		Name:  "tree",
		Model: llm.Handle{Client: client},
	})
	require.NoError(t, err)

	broadcaster := pubsub.New()
	defer broadcaster.Close()

	tree, err := NewAgentTree(AgentTreeConfig{Agent: a, Events: broadcaster})
	require.NoError(t, err)
	require.NoError(t, tree.Start(context.Background()))

	srv := tree.Server()
	require.NotNil(t, srv)
	require.NotNil(t, tree.Files())

	require.NoError(t, srv.AddMessage(protocol.NewUserMessage("hi")))
	require.NoError(t, srv.Execute(context.Background()))
	require.Eventually(t, func() bool {
		status, gerr := srv.GetStatus()
		return gerr == nil && status == "idle"
	}, 2*time.Second, 5*time.Millisecond)

	// Tool writes land in the supervised VFS.
	_, err = tree.Files().WriteFile(context.Background(), "notes.txt", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, tree.Stop(context.Background()))
	assert.Nil(t, tree.Server())
	assert.Nil(t, tree.Files())
}

func TestAgentTreeStateFactory(t *testing.T) {
	a, err := agent.New(agent.Config{
		ID:    "agent_seeded",
		Model: llm.Handle{Client: llm.NewScriptedClient()},
	})
	require.NoError(t, err)

	seeded := state.New(a.ID).AddMessage(protocol.NewUserMessage("restored"))
	tree, err := NewAgentTree(AgentTreeConfig{
		Agent:        a,
		StateFactory: func() state.State { return seeded },
	})
	require.NoError(t, err)
	require.NoError(t, tree.Start(context.Background()))
	defer tree.Stop(context.Background())

	st, err := tree.Server().GetState()
	require.NoError(t, err)
	require.Len(t, st.Messages, 1)
	assert.Equal(t, "restored", st.Messages[0].Text())
}
