package rpc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/rpc"
	"time"

	"rowhammer/transport"
)

// boardProxy exposes a transport.Client through net/rpc. Calls are
// serialized: a board has a single driver at a time.
type boardProxy struct {
	board   transport.Client
	timeout time.Duration
	sem     chan struct{}
}

func (bp *boardProxy) ctx() (context.Context, context.CancelFunc) {
	bp.sem <- struct{}{}
	ctx, cancel := context.WithTimeout(context.Background(), bp.timeout)
	return ctx, func() { cancel(); <-bp.sem }
}

func (bp *boardProxy) IsReady(_ *Ack, reply *Ack) error {
	reply.OK = true
	return nil
}

func (bp *boardProxy) ReadRegister(args *RegArgs, reply *uint32) (err error) {
	ctx, done := bp.ctx()
	defer done()
	*reply, err = bp.board.ReadRegister(ctx, args.Name)
	return err
}

func (bp *boardProxy) WriteRegister(args *RegArgs, _ *Ack) error {
	ctx, done := bp.ctx()
	defer done()
	return bp.board.WriteRegister(ctx, args.Name, args.Value)
}

func (bp *boardProxy) BulkWrite(args *BulkWriteArgs, _ *Ack) error {
	ctx, done := bp.ctx()
	defer done()
	return bp.board.BulkWrite(ctx, args.Base, args.Words)
}

func (bp *boardProxy) BulkReadCompare(args *CompareArgs, reply *CompareReply) (err error) {
	ctx, done := bp.ctx()
	defer done()
	reply.Mismatches, err = bp.board.BulkReadCompare(ctx, args.Base, args.Length, args.Pattern)
	return err
}

type Server struct {
	l   net.Listener
	srv *http.Server
}

// NewServer serves board on addr (host:port). Each call runs with timeout.
func NewServer(addr string, board transport.Client, timeout time.Duration) (*Server, error) {
	rs := rpc.NewServer()
	proxy := &boardProxy{board: board, timeout: timeout, sem: make(chan struct{}, 1)}
	if err := rs.RegisterName(serviceName, proxy); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, rs)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{l: l, srv: &http.Server{Handler: mux}}

	modRPC.InfoZ("rpc server listening").String("addr", l.Addr().String()).End()
	go func() {
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			modRPC.ErrorZ("rpc server stopped").Error("err", err).End()
		}
	}()
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.l.Addr() }

func (s *Server) Close() error {
	modRPC.DebugZ("closing rpc server").End()
	return s.srv.Close()
}
