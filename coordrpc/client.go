package coordrpc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/squareup/topologycoord/common"
	"github.com/squareup/topologycoord/errors"
	"github.com/squareup/topologycoord/fencing"
	"github.com/squareup/topologycoord/topology"
)

// Client issues the five coordinator RPCs to a peer's Server, grounded on remoting/client.go's
// cached-persistent-connection-plus-response-channel shape (Client.SendRPC), generalized from
// remoting's per-address sync.Map of clientConnections to a single map guarded by a mutex, since
// coordrpc only ever calls a handful of peers (at most one per cluster node).
type Client struct {
	mu    sync.Mutex
	conns map[string]*clientConn
	seq   int64
}

// NewClient returns a Client with no open connections; connections are created lazily per call.
func NewClient() *Client {
	return &Client{conns: make(map[string]*clientConn)}
}

type clientConn struct {
	mu      sync.Mutex
	conn    net.Conn
	pending sync.Map // sequence -> chan *response
}

func (c *Client) getConn(addr string) (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	cc := &clientConn{conn: nc}
	go cc.readLoop()
	c.conns[addr] = cc
	return cc, nil
}

func (c *Client) dropConn(addr string, cc *clientConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[addr] == cc {
		delete(c.conns, addr)
	}
}

func (cc *clientConn) readLoop() {
	defer common.PanicHandler()
	readBuff := make([]byte, readBuffSize)
	var msgBuf []byte
	msgLen := -1
	for {
		n, err := cc.conn.Read(readBuff)
		if err != nil {
			cc.failAllPending()
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
			msgBuf = common.CopyByteSlice(msgBuf[messageHeaderSize+msgLen:])
			msgLen = -1
			resp := deserializeResponse(payload)
			if ch, ok := cc.pending.LoadAndDelete(resp.sequence); ok {
				ch.(chan *response) <- resp
			}
		}
	}
}

func (cc *clientConn) failAllPending() {
	cc.pending.Range(func(k, v interface{}) bool {
		v.(chan *response) <- &response{sequence: k.(uint64), ok: false, errMsg: errConnectionClosed.Error()}
		cc.pending.Delete(k)
		return true
	})
}

func (c *Client) call(ctx context.Context, addr string, typ rpcType, token fencing.Token, body []byte) (*response, error) {
	cc, err := c.getConn(addr)
	if err != nil {
		return nil, err
	}
	sequence := uint64(atomic.AddInt64(&c.seq, 1))
	req := &request{sequence: sequence, typ: typ, token: token, body: body}

	ch := make(chan *response, 1)
	cc.pending.Store(sequence, ch)

	cc.mu.Lock()
	writeErr := writeFrame(frameRequest, req.serialize(), func(b []byte) error {
		_, e := cc.conn.Write(b)
		return e
	})
	cc.mu.Unlock()
	if writeErr != nil {
		cc.pending.Delete(sequence)
		c.dropConn(addr, cc)
		return nil, errors.WithStack(writeErr)
	}

	select {
	case resp := <-ch:
		if !resp.ok {
			return nil, errors.New(resp.errMsg)
		}
		return resp, nil
	case <-ctx.Done():
		cc.pending.Delete(sequence)
		return nil, errors.WithStack(ctx.Err())
	}
}

// Barrier asks addr to confirm it has applied at least version: wait until you have caught up to
// this version.
func (c *Client) Barrier(ctx context.Context, addr string, token fencing.Token, version uint64) error {
	_, err := c.call(ctx, addr, rpcBarrier, token, barrierBody{version: version}.serialize())
	if err != nil {
		return errors.NewBarrierFailedError(addr, err.Error())
	}
	return nil
}

// BarrierAndDrain is Barrier plus an instruction to stop accepting new client work until released.
func (c *Client) BarrierAndDrain(ctx context.Context, addr string, token fencing.Token, version uint64) error {
	_, err := c.call(ctx, addr, rpcBarrierAndDrain, token, barrierBody{version: version}.serialize())
	if err != nil {
		return errors.NewBarrierFailedError(addr, err.Error())
	}
	return nil
}

// StreamRanges asks addr to stream the given token ranges under sessionID.
func (c *Client) StreamRanges(ctx context.Context, addr string, token fencing.Token, ranges []topology.TokenRange, sessionID string) error {
	body := streamRangesBody{ranges: ranges, sessionID: sessionID}.serialize()
	_, err := c.call(ctx, addr, rpcStreamRanges, token, body)
	if err != nil {
		return errors.NewStreamFailedError(addr, err.Error())
	}
	return nil
}

// WaitForIP asks addr (any live coordinator peer) whether it knows a reachable address for id.
func (c *Client) WaitForIP(ctx context.Context, addr string, token fencing.Token, id topology.NodeID) (string, bool, error) {
	resp, err := c.call(ctx, addr, rpcWaitForIP, token, waitForIPBody{id: id}.serialize())
	if err != nil {
		return "", false, err
	}
	b := deserializeWaitForIPResponseBody(resp.body)
	return b.address, b.found, nil
}

// PullTopologySnapshot asks the leader at addr for its current Topology snapshot, used by a
// follower that has fallen too far behind the raft log to catch up incrementally.
func (c *Client) PullTopologySnapshot(ctx context.Context, addr string, token fencing.Token) ([]byte, error) {
	resp, err := c.call(ctx, addr, rpcPullTopologySnapshot, token, nil)
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// Stop closes every cached connection.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, cc := range c.conns {
		_ = cc.conn.Close()
		delete(c.conns, addr)
	}
}
