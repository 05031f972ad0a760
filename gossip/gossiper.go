// Package gossip defines the Gossiper collaborator contract the readiness publisher and the
// coordinator's wait_for_ip step depend on, and a TCP broadcast adapter grounded on
// notifier.Client's connection/retry shape (notifier/client.go) and remoting/cluster_message.go's
// wire framing. The adapter here speaks a small hand-rolled frame format instead of notifier's
// protobuf-backed Notification type, for the same reason coordrpc does not reuse remoting's
// ClusterMessage (see DESIGN.md): no .proto/.pb.go source exists anywhere in the retrieved pack.
package gossip

import (
	"net"
	"sync"
	"time"

	"github.com/squareup/topologycoord/common"
	"github.com/squareup/topologycoord/topology"
	"go.uber.org/zap"
)

// Gossiper is the external collaborator readiness.Publisher and the coordinator's wait_for_ip
// step depend on: a cluster-wide best-effort broadcast of small key/value application-state bits,
// plus an address map from node id to reachable network address.
type Gossiper interface {
	// SetApplicationState broadcasts a key/value pair (e.g. "cql_ready"/"true") to every other
	// node's gossip state for this node.
	SetApplicationState(key, value string) error
	// AddressOf returns the last known reachable address for id, and whether one is known yet.
	// wait_for_ip polls this until it returns ok == true.
	AddressOf(id topology.NodeID) (string, bool)
}

const (
	connectionRetryBackoff = 1 * time.Second
	messageHeaderSize      = 5 // 1 byte frame type + 4 byte LE payload length
	readBuffSize           = 4096
)

type frameType byte

const (
	frameStateUpdate frameType = 1
)

// peer is a known cluster member this node gossips state updates to and from.
type peer struct {
	id      topology.NodeID
	address string
}

// TCPGossiper broadcasts application-state key/value pairs to every peer over a persistent TCP
// connection, and serves the same frames to anyone connecting to its listen address, grounded on
// notifier.client's available/unavailable-server bookkeeping and backoff. Unlike notifier, the
// payload is a plain string triple rather than a protobuf Notification.
type TCPGossiper struct {
	selfID       topology.NodeID
	listenAddr   string
	logger       *zap.Logger
	mu           sync.Mutex
	peers        []peer
	conns        map[topology.NodeID]net.Conn
	unavailable  map[topology.NodeID]time.Time
	state        map[topology.NodeID]map[string]string
	addresses    map[topology.NodeID]string
	listener     net.Listener
	stopped      bool
}

// NewTCPGossiper constructs a gossiper for selfID, serving on listenAddr and broadcasting to
// peers. peers must include every other node in the cluster, but not selfID.
func NewTCPGossiper(logger *zap.Logger, selfID topology.NodeID, listenAddr string, peers map[topology.NodeID]string) *TCPGossiper {
	g := &TCPGossiper{
		selfID:      selfID,
		listenAddr:  listenAddr,
		logger:      logger,
		conns:       make(map[topology.NodeID]net.Conn),
		unavailable: make(map[topology.NodeID]time.Time),
		state:       make(map[topology.NodeID]map[string]string),
		addresses:   make(map[topology.NodeID]string),
	}
	for id, addr := range peers {
		g.peers = append(g.peers, peer{id: id, address: addr})
	}
	g.addresses[selfID] = listenAddr
	return g
}

// Start begins accepting connections from peers. It must be called before SetApplicationState is
// expected to reach anyone.
func (g *TCPGossiper) Start() error {
	l, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.listener = l
	g.mu.Unlock()
	go g.acceptLoop(l)
	return nil
}

func (g *TCPGossiper) acceptLoop(l net.Listener) {
	defer common.PanicHandler()
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go g.serveConn(conn)
	}
}

func (g *TCPGossiper) serveConn(conn net.Conn) {
	defer common.PanicHandler()
	readBuff := make([]byte, readBuffSize)
	var msgBuf []byte
	msgLen := -1
	for {
		n, err := conn.Read(readBuff)
		if err != nil {
			_ = conn.Close()
			return
		}
		msgBuf = append(msgBuf, readBuff[0:n]...)
		for len(msgBuf) >= messageHeaderSize {
			if msgLen == -1 {
				u, _ := common.ReadUint32FromBufferLE(msgBuf, 1)
				msgLen = int(u)
			}
			if len(msgBuf) < messageHeaderSize+msgLen {
				break
			}
			payload := common.CopyByteSlice(msgBuf[messageHeaderSize : messageHeaderSize+msgLen])
			g.handleFrame(frameType(msgBuf[0]), payload)
			msgBuf = common.CopyByteSlice(msgBuf[messageHeaderSize+msgLen:])
			msgLen = -1
		}
	}
}

func (g *TCPGossiper) handleFrame(t frameType, payload []byte) {
	if t != frameStateUpdate {
		g.logger.Sugar().Warnf("gossip: unknown frame type %d", t)
		return
	}
	id, off := readString(payload, 0)
	key, off := readString(payload, off)
	value, _ := readString(payload, off)

	g.mu.Lock()
	defer g.mu.Unlock()
	nodeID := topology.NodeID(id)
	if g.state[nodeID] == nil {
		g.state[nodeID] = make(map[string]string)
	}
	g.state[nodeID][key] = value
	if key == applicationStateAddressKey {
		g.addresses[nodeID] = value
	}
}

// applicationStateAddressKey is the well-known application-state key every node self-announces
// its reachable address under, so AddressOf can be served from gossip state alone.
const applicationStateAddressKey = "rpc_address"

// SetApplicationState broadcasts key/value for this node to every peer, grounded on
// notifier.client.broadcast's available-server iteration and per-server backoff.
func (g *TCPGossiper) SetApplicationState(key, value string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state[g.selfID] == nil {
		g.state[g.selfID] = make(map[string]string)
	}
	g.state[g.selfID][key] = value

	now := time.Now()
	for p := range g.unavailable {
		if now.Sub(g.unavailable[p]) >= connectionRetryBackoff {
			delete(g.unavailable, p)
		}
	}

	payload := appendString(nil, string(g.selfID))
	payload = appendString(payload, key)
	payload = appendString(payload, value)

	var firstErr error
	for _, p := range g.peers {
		if _, down := g.unavailable[p.id]; down {
			continue
		}
		if err := g.sendTo(p, payload); err != nil {
			g.unavailable[p.id] = time.Now()
			delete(g.conns, p.id)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (g *TCPGossiper) sendTo(p peer, payload []byte) error {
	conn, ok := g.conns[p.id]
	if !ok {
		nc, err := net.Dial("tcp", p.address)
		if err != nil {
			return err
		}
		conn = nc
		g.conns[p.id] = conn
	}
	frame := []byte{byte(frameStateUpdate)}
	frame = common.AppendUint32ToBufferLE(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	_, err := conn.Write(frame)
	return err
}

// AddressOf returns the last address id announced under applicationStateAddressKey.
func (g *TCPGossiper) AddressOf(id topology.NodeID) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	addr, ok := g.addresses[id]
	return addr, ok
}

// Stop closes every outbound connection and the listener.
func (g *TCPGossiper) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.stopped = true
	for _, conn := range g.conns {
		_ = conn.Close()
	}
	if g.listener != nil {
		_ = g.listener.Close()
	}
}

func appendString(buff []byte, s string) []byte {
	return common.AppendStringToBufferLE(buff, s)
}

func readString(buff []byte, offset int) (string, int) {
	return common.ReadStringFromBufferLE(buff, offset)
}
