package cluster

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/consentvault/internal/audit"
	"github.com/dropDatabas3/consentvault/internal/audit/audittest"
	"github.com/dropDatabas3/consentvault/internal/codec"
)

func fastTimeouts(c *raft.Config) {
	c.HeartbeatTimeout = 50 * time.Millisecond
	c.ElectionTimeout = 50 * time.Millisecond
	c.LeaderLeaseTimeout = 50 * time.Millisecond
	c.CommitTimeout = 5 * time.Millisecond
	c.LogOutput = io.Discard
}

type memNode struct {
	node  *Node
	trans *raft.InmemTransport
}

func newMemNode(t *testing.T, id string, bootstrap bool) memNode {
	t.Helper()
	_, trans := raft.NewInmemTransport(raft.ServerAddress(id))
	n, err := NewNode(NodeOptions{
		NodeID:           id,
		Transport:        trans,
		LogStore:         raft.NewInmemStore(),
		StableStore:      raft.NewInmemStore(),
		SnapshotStore:    raft.NewInmemSnapshotStore(),
		DisableBootstrap: !bootstrap,
		Tune:             fastTimeouts,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return memNode{node: n, trans: trans}
}

func waitLeader(t *testing.T, n *Node) {
	t.Helper()
	require.Eventually(t, n.IsLeader, 5*time.Second, 10*time.Millisecond)
}

func TestStore_SingleNodeContract(t *testing.T) {
	m := newMemNode(t, "node1", true)
	waitLeader(t, m.node)
	audittest.Run(t, NewStore(m.node))
}

func TestStore_FollowerFailsClosed(t *testing.T) {
	leader := newMemNode(t, "node1", true)
	follower := newMemNode(t, "node2", false)
	leader.trans.Connect(follower.trans.LocalAddr(), follower.trans)
	follower.trans.Connect(leader.trans.LocalAddr(), leader.trans)
	waitLeader(t, leader.node)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, leader.node.AddVoter(ctx, "node2", string(follower.trans.LocalAddr())))
	// idempotente
	require.NoError(t, leader.node.AddVoter(ctx, "node2", string(follower.trans.LocalAddr())))

	ls := NewStore(leader.node)
	id := audittest.StreamID(t)
	require.NoError(t, ls.Append(ctx, audittest.NewEvent(audit.EventRevoked, id, 0)))

	// The follower eventually applies the entry locally...
	require.Eventually(t, func() bool {
		ok, _ := follower.node.FSM().Local().HasRevocation(ctx, id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	// ...but refuses to serve reads or writes itself.
	fs := NewStore(follower.node)
	_, err := fs.HasRevocation(ctx, id)
	require.ErrorIs(t, err, ErrNotLeader)
	require.ErrorIs(t, fs.Append(ctx, audittest.NewEvent(audit.EventIssued, id, 1)), ErrNotLeader)
	_, err = audit.Collect(fs.History(ctx, id))
	require.ErrorIs(t, err, ErrNotLeader)
	require.ErrorIs(t, fs.Ping(ctx), ErrNotLeader)

	require.NoError(t, leader.node.RemoveServer(ctx, "node2"))
	require.NoError(t, leader.node.RemoveServer(ctx, "node2"))
}

type bufferSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *bufferSink) ID() string    { return "test" }
func (s *bufferSink) Close() error  { return nil }
func (s *bufferSink) Cancel() error { s.cancelled = true; return nil }

func applyEvent(t *testing.T, f *FSM, e audit.Event) {
	t.Helper()
	payload, err := codec.Marshal(e)
	require.NoError(t, err)
	data, err := codec.Marshal(Mutation{Type: MutationAppendEvent, Payload: payload})
	require.NoError(t, err)
	resp := f.Apply(&raft.Log{Data: data})
	require.Nil(t, resp)
}

func TestFSM_SnapshotRestore(t *testing.T) {
	f := NewFSM()
	a, b := audittest.StreamID(t), audittest.StreamID(t)
	want := []audit.Event{
		audittest.NewEvent(audit.EventIssued, a, 0),
		audittest.NewEvent(audit.EventRevoked, b, 1),
		audittest.NewEvent(audit.EventValidated, a, 2),
	}
	for _, e := range want {
		applyEvent(t, f, e)
	}

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &bufferSink{}
	require.NoError(t, snap.Persist(sink))
	require.False(t, sink.cancelled)

	restored := NewFSM()
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	got := restored.Local().Events()
	require.Len(t, got, len(want))
	for i := range want {
		audittest.RequireSameEvent(t, want[i], got[i])
	}
	ok, err := restored.Local().HasRevocation(context.Background(), b)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFSM_RejectsUnknownMutation(t *testing.T) {
	f := NewFSM()
	data, err := codec.Marshal(Mutation{Type: "bogus"})
	require.NoError(t, err)
	resp := f.Apply(&raft.Log{Data: data})
	require.Error(t, resp.(error))
	require.Nil(t, f.Apply(&raft.Log{}))
}

func TestNewNode_Validation(t *testing.T) {
	_, err := NewNode(NodeOptions{})
	require.Error(t, err)
	_, err = NewNode(NodeOptions{NodeID: "n1"})
	require.Error(t, err)
}

func TestNewNode_BoltAndTCP(t *testing.T) {
	n, err := NewNode(NodeOptions{
		NodeID:   "disk1",
		RaftAddr: "127.0.0.1:0",
		RaftDir:  t.TempDir(),
		Tune:     fastTimeouts,
	})
	require.NoError(t, err)
	defer n.Close()
	waitLeader(t, n)

	s := NewStore(n)
	ctx := context.Background()
	id := audittest.StreamID(t)
	require.NoError(t, s.Append(ctx, audittest.NewEvent(audit.EventIssued, id, 0)))
	got, err := audit.Collect(s.History(ctx, id))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotEmpty(t, n.Stats())
}
