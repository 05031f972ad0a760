package coordrpc

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/squareup/topologycoord/common"
	"github.com/squareup/topologycoord/errors"
	"github.com/squareup/topologycoord/fencing"
	"github.com/squareup/topologycoord/topology"
)

// Handler is implemented by the coordinator side that actually knows how to satisfy each of the
// five coordinator RPCs. The Server validates each request's fencing token against its local
// fencing.Registry (when one is configured) before calling a method; the token is not passed in.
type Handler interface {
	Barrier(ctx context.Context, version uint64) error
	BarrierAndDrain(ctx context.Context, version uint64) error
	StreamRanges(ctx context.Context, ranges []topology.TokenRange, sessionID string) error
	WaitForIP(ctx context.Context, id topology.NodeID) (address string, found bool, err error)
	PullTopologySnapshot(ctx context.Context) ([]byte, error)
}

// Server listens for coordinator RPC requests and dispatches them to a Handler, grounded directly
// on remoting/server.go's accept-loop-plus-per-connection-read-loop shape. Unlike remoting's
// server, there is exactly one logical RPC surface (no per-type handler registration), since
// coordrpc exists solely to carry the five coordinator RPCs.
type Server struct {
	listenAddr string
	handler    Handler
	fencing    *fencing.Registry
	timeout    time.Duration

	mu        sync.Mutex
	listener  net.Listener
	started   bool
	conns     map[net.Conn]struct{}
}

// NewServer constructs a coordrpc Server. registry may be nil, in which case fencing tokens are
// not checked (used by tests that exercise Handler directly without a live Applier).
func NewServer(listenAddr string, handler Handler, registry *fencing.Registry, fenceTimeout time.Duration) *Server {
	return &Server{
		listenAddr: listenAddr,
		handler:    handler,
		fencing:    registry,
		timeout:    fenceTimeout,
		conns:      make(map[net.Conn]struct{}),
	}
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return errors.WithStack(err)
	}
	s.listener = l
	s.started = true
	go s.acceptLoop(l)
	return nil
}

// Addr returns the address the Server is actually listening on, useful when listenAddr was
// "host:0" and the OS picked an ephemeral port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr().String()
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	err := s.listener.Close()
	for conn := range s.conns {
		_ = conn.Close()
	}
	return errors.WithStack(err)
}

func (s *Server) acceptLoop(l net.Listener) {
	defer common.PanicHandler()
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer common.PanicHandler()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	readBuff := make([]byte, readBuffSize)
	var msgBuf []byte
	msgLen := -1
	for {
		n, err := conn.Read(readBuff)
		if err != nil {
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
			kind := frameKind(msgBuf[0])
			payload := common.CopyByteSlice(msgBuf[messageHeaderSize : messageHeaderSize+msgLen])
			msgBuf = common.CopyByteSlice(msgBuf[messageHeaderSize+msgLen:])
			msgLen = -1
			if kind != frameRequest {
				log.Warnf("coordrpc: unexpected frame kind %d from %s", kind, conn.RemoteAddr())
				continue
			}
			go s.handleRequest(conn, deserializeRequest(payload))
		}
	}
}

func (s *Server) handleRequest(conn net.Conn, req *request) {
	if s.fencing != nil {
		if err := s.fencing.Accepts(req.token, s.timeout); err != nil {
			s.reply(conn, req.sequence, nil, err)
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	switch req.typ {
	case rpcBarrier:
		b := deserializeBarrierBody(req.body)
		err := s.handler.Barrier(ctx, b.version)
		s.reply(conn, req.sequence, nil, err)
	case rpcBarrierAndDrain:
		b := deserializeBarrierBody(req.body)
		err := s.handler.BarrierAndDrain(ctx, b.version)
		s.reply(conn, req.sequence, nil, err)
	case rpcStreamRanges:
		b := deserializeStreamRangesBody(req.body)
		err := s.handler.StreamRanges(ctx, b.ranges, b.sessionID)
		s.reply(conn, req.sequence, nil, err)
	case rpcWaitForIP:
		b := deserializeWaitForIPBody(req.body)
		addr, found, err := s.handler.WaitForIP(ctx, b.id)
		if err != nil {
			s.reply(conn, req.sequence, nil, err)
			return
		}
		s.reply(conn, req.sequence, waitForIPResponseBody{address: addr, found: found}.serialize(), nil)
	case rpcPullTopologySnapshot:
		snap, err := s.handler.PullTopologySnapshot(ctx)
		s.reply(conn, req.sequence, snap, err)
	default:
		s.reply(conn, req.sequence, nil, errors.NewInvalidRequestError("unknown coordrpc rpc type"))
	}
}

func (s *Server) reply(conn net.Conn, sequence uint64, body []byte, err error) {
	resp := &response{sequence: sequence, ok: err == nil, body: body, errMsg: errToFrameErr(err)}
	if writeErr := writeFrame(frameResponse, resp.serialize(), func(b []byte) error {
		_, e := conn.Write(b)
		return e
	}); writeErr != nil {
		log.Errorf("coordrpc: failed to write response: %+v", writeErr)
	}
}
