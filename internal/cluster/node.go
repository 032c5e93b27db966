package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"github.com/dropDatabas3/consentvault/internal/metrics"
	"github.com/dropDatabas3/consentvault/internal/observability/logger"
)

// membershipTimeout es el timeout por defecto para operaciones de membership (AddVoter, RemoveServer).
const membershipTimeout = 10 * time.Second

var (
	ErrNotLeader      = errors.New("cluster: not the leader")
	ErrNotInitialized = errors.New("cluster: raft not initialized")
)

// Node es un wrapper liviano alrededor de *raft.Raft con helpers de
// Apply/Leader/Close.
type Node struct {
	r            *raft.Raft
	fsm          *FSM
	applyTimeout time.Duration
	id           raft.ServerID
	addr         raft.ServerAddress
	log          *zap.Logger
	membershipMu sync.Mutex
	stop         chan struct{}
	closeOnce    sync.Once
	closers      []io.Closer
}

type NodeOptions struct {
	NodeID   string            // identidad de este nodo
	RaftAddr string            // host:port para transporte TCP
	RaftDir  string            // datos de Raft (BoltDB + snapshots)
	Peers    map[string]string // conjunto estático de peers (nodeID->raftAddr)

	// BootstrapPreferred: si true, este nodo hace el bootstrap inicial cuando
	// no hay estado. Si es false, se elige el de menor NodeID.
	BootstrapPreferred bool
	// DisableBootstrap: el nodo espera a ser agregado por el leader.
	DisableBootstrap bool

	ApplyTimeout time.Duration

	// Transport, LogStore, StableStore y SnapshotStore reemplazan a los de
	// disco (tests con raft.NewInmemTransport / raft.NewInmemStore).
	Transport     raft.Transport
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	// Tune ajusta la configuración de Raft antes de crear el nodo.
	Tune func(*raft.Config)
}

func NewNode(opts NodeOptions) (*Node, error) {
	if opts.NodeID == "" {
		return nil, errors.New("cluster: invalid NodeOptions: empty node id")
	}
	lg := logger.Named("cluster").With(zap.String("node_id", opts.NodeID))
	n := &Node{fsm: NewFSM(), id: raft.ServerID(opts.NodeID), log: lg, stop: make(chan struct{})}

	var boltPath string
	logStore, stableStore, snapStore, trans := opts.LogStore, opts.StableStore, opts.SnapshotStore, opts.Transport
	if logStore == nil || stableStore == nil || snapStore == nil {
		if opts.RaftDir == "" {
			return nil, errors.New("cluster: invalid NodeOptions: raft dir required")
		}
		if err := os.MkdirAll(opts.RaftDir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir raft dir: %w", err)
		}
		// Stores: log + stable en la misma Bolt DB.
		boltPath = filepath.Join(opts.RaftDir, "raft.db")
		boltStore, err := raftboltdb.NewBoltStore(boltPath)
		if err != nil {
			return nil, fmt.Errorf("bolt store: %w", err)
		}
		n.closers = append(n.closers, boltStore)
		logStore, stableStore = boltStore, boltStore

		// Snapshots en disco (retenemos 2).
		snapStore, err = raft.NewFileSnapshotStore(opts.RaftDir, 2, os.Stderr)
		if err != nil {
			n.closeStores()
			return nil, fmt.Errorf("snapshot store: %w", err)
		}
	}
	if trans == nil {
		if opts.RaftAddr == "" {
			n.closeStores()
			return nil, errors.New("cluster: invalid NodeOptions: raft addr required")
		}
		tcp, err := raft.NewTCPTransport(opts.RaftAddr, nil, 3, 10*time.Second, os.Stderr)
		if err != nil {
			n.closeStores()
			return nil, fmt.Errorf("tcp transport: %w", err)
		}
		n.closers = append(n.closers, tcp)
		trans = tcp
	}
	n.addr = trans.LocalAddr()

	cfg := raft.DefaultConfig()
	cfg.LocalID = n.id
	cfg.LogLevel = "WARN"
	if opts.Tune != nil {
		opts.Tune(cfg)
	}

	r, err := raft.NewRaft(cfg, n.fsm, logStore, stableStore, snapStore, trans)
	if err != nil {
		n.closeStores()
		return nil, fmt.Errorf("new raft: %w", err)
	}
	n.r = r
	n.applyTimeout = opts.ApplyTimeout
	if n.applyTimeout <= 0 {
		n.applyTimeout = 5 * time.Second
	}

	go n.watchLeadership(r.LeaderCh())

	hasState, err := raft.HasExistingState(logStore, stableStore, snapStore)
	if err != nil {
		_ = n.Close()
		return nil, fmt.Errorf("check state: %w", err)
	}
	if !hasState && !opts.DisableBootstrap {
		if err := n.bootstrap(opts, trans.LocalAddr()); err != nil {
			_ = n.Close()
			return nil, err
		}
	} else if !hasState {
		lg.Info("join-only mode: skipping bootstrap", zap.String("raft_addr", string(n.addr)))
	}

	if boltPath != "" {
		go n.trackLogSize(boltPath)
	}
	return n, nil
}

func (n *Node) bootstrap(opts NodeOptions, local raft.ServerAddress) error {
	if len(opts.Peers) <= 1 {
		conf := raft.Configuration{Servers: []raft.Server{{ID: n.id, Address: local}}}
		if err := n.r.BootstrapCluster(conf).Error(); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		n.log.Info("bootstrapped single-node cluster", zap.String("raft_addr", string(local)))
		return nil
	}

	// Bootstrap estático en un único nodo determinístico (menor NodeID).
	smallest := opts.NodeID
	for k := range opts.Peers {
		if k < smallest {
			smallest = k
		}
	}
	if !opts.BootstrapPreferred && opts.NodeID != smallest {
		n.log.Info("waiting to join static cluster", zap.String("bootstrapper", smallest))
		return nil
	}
	var servers []raft.Server
	for id, addr := range opts.Peers {
		servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr)})
	}
	if err := n.r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
		return fmt.Errorf("bootstrap(static): %w", err)
	}
	n.log.Info("bootstrapped static cluster", zap.Int("servers", len(servers)))
	return nil
}

func (n *Node) watchLeadership(ch <-chan bool) {
	for {
		select {
		case <-n.stop:
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			if v {
				metrics.RaftLeadershipChanges.Inc()
				n.log.Info("acquired leadership")
			}
		}
	}
}

func (n *Node) trackLogSize(path string) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-t.C:
			if st, err := os.Stat(path); err == nil {
				metrics.RaftLogSizeBytes.Set(float64(st.Size()))
			}
		}
	}
}

// FSM devuelve la máquina de estados local.
func (n *Node) FSM() *FSM { return n.fsm }

// await espera un future respetando ctx.
func await(ctx context.Context, fut raft.Future) error {
	done := make(chan error, 1)
	go func() { done <- fut.Error() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// ApplyBytes envía data al log de Raft y espera commit + aplicación en la FSM.
func (n *Node) ApplyBytes(ctx context.Context, data []byte) (uint64, error) {
	if n == nil || n.r == nil {
		return 0, ErrNotInitialized
	}
	if n.r.State() != raft.Leader {
		return 0, n.notLeader()
	}
	start := time.Now()
	fut := n.r.Apply(data, n.applyTimeout)
	if err := await(ctx, fut); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return 0, n.notLeader()
		}
		return 0, err
	}
	metrics.RaftApplyLatency.Observe(float64(time.Since(start).Milliseconds()))
	if resp, ok := fut.Response().(error); ok && resp != nil {
		return 0, resp
	}
	return fut.Index(), nil
}

// VerifyRead confirma que este nodo sigue siendo leader y que la FSM aplicó
// todo lo comprometido antes de la llamada.
func (n *Node) VerifyRead(ctx context.Context) error {
	if n == nil || n.r == nil {
		return ErrNotInitialized
	}
	if n.r.State() != raft.Leader {
		return n.notLeader()
	}
	if err := await(ctx, n.r.VerifyLeader()); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return n.notLeader()
		}
		return err
	}
	return await(ctx, n.r.Barrier(n.applyTimeout))
}

func (n *Node) notLeader() error {
	if leader := n.LeaderID(); leader != "" {
		return fmt.Errorf("%w (leader: %s)", ErrNotLeader, leader)
	}
	return ErrNotLeader
}

// WaitForLeader bloquea hasta que el cluster tenga leader o ctx termine.
func (n *Node) WaitForLeader(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		if n.LeaderID() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (n *Node) IsLeader() bool {
	if n == nil || n.r == nil {
		return false
	}
	return n.r.State() == raft.Leader
}

func (n *Node) LeaderID() string {
	if n == nil || n.r == nil {
		return ""
	}
	addr, id := n.r.LeaderWithID()
	if id != "" {
		return string(id)
	}
	return string(addr)
}

func (n *Node) NodeID() string   { return string(n.id) }
func (n *Node) RaftAddr() string { return string(n.addr) }

// Stats expone las estadísticas de raft.Raft.Stats().
func (n *Node) Stats() map[string]string {
	if n == nil || n.r == nil {
		return map[string]string{}
	}
	return n.r.Stats()
}

// AddVoter agrega un nodo votante. Idempotente: si ya existe con la misma
// dirección no hace nada; con otra dirección lo remueve y lo vuelve a agregar.
func (n *Node) AddVoter(ctx context.Context, id, addr string) error {
	if n == nil || n.r == nil {
		return ErrNotInitialized
	}
	if id == "" || addr == "" {
		return errors.New("cluster: id and addr are required")
	}
	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()

	fut := n.r.GetConfiguration()
	if err := await(ctx, fut); err != nil {
		return fmt.Errorf("get configuration: %w", err)
	}
	for _, srv := range fut.Configuration().Servers {
		if srv.ID != raft.ServerID(id) {
			continue
		}
		if srv.Address == raft.ServerAddress(addr) {
			return nil
		}
		if err := await(ctx, n.r.RemoveServer(srv.ID, 0, membershipTimeout)); err != nil {
			return fmt.Errorf("remove server before re-add: %w", err)
		}
		break
	}
	return await(ctx, n.r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, membershipTimeout))
}

// RemoveServer remueve un nodo. Idempotente si no existe.
func (n *Node) RemoveServer(ctx context.Context, id string) error {
	if n == nil || n.r == nil {
		return ErrNotInitialized
	}
	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()

	fut := n.r.GetConfiguration()
	if err := await(ctx, fut); err != nil {
		return fmt.Errorf("get configuration: %w", err)
	}
	for _, srv := range fut.Configuration().Servers {
		if srv.ID == raft.ServerID(id) {
			return await(ctx, n.r.RemoveServer(srv.ID, 0, membershipTimeout))
		}
	}
	return nil
}

// Close apaga Raft y libera stores y transporte propios (idempotente).
func (n *Node) Close() error {
	if n == nil || n.r == nil {
		return nil
	}
	var err error
	n.closeOnce.Do(func() {
		close(n.stop)
		err = n.r.Shutdown().Error()
		n.closeStores()
	})
	return err
}

func (n *Node) closeStores() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		_ = n.closers[i].Close()
	}
	n.closers = nil
}
