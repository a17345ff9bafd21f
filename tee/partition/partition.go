// Package partition simulates the secure side of the PSA IPC interface.
//
// A Partition holds a registry of services and the connections opened on
// them. It is reached either directly, as the veneer of an nslock
// transport, or through a mailbox queue served by Serve.
package partition

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/wallera-computer/nsipc/log"
	"github.com/wallera-computer/nsipc/tee/types"
)

var ErrAlreadyRegistered = errors.New("service already registered")
var ErrInvalidService = errors.New("invalid service")

type connection struct {
	svc    *Service
	client int32
}

// Partition is a simulated secure partition.
type Partition struct {
	mu       sync.Mutex
	services map[uint32]*Service
	conns    map[types.Handle]connection
	next     types.Handle
	maxConns int

	l *zap.Logger
}

// Compile-time check which fails if Partition doesn't comply with the
// Veneer interface.
var _ types.Veneer = (*Partition)(nil)

// Option configures a Partition.
type Option func(*Partition)

// WithLogger sets the partition logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Partition) {
		p.l = log.Or(l)
	}
}

// WithMaxConnections bounds the connections open at the same time, further
// connects fail with ErrorConnectionBusy. Zero means unbounded.
func WithMaxConnections(n int) Option {
	return func(p *Partition) {
		p.maxConns = n
	}
}

// New returns a partition without services.
func New(opts ...Option) *Partition {
	p := &Partition{
		services: map[uint32]*Service{},
		conns:    map[types.Handle]connection{},
		next:     1,
		l:        log.Nop(),
	}

	for _, o := range opts {
		o(p)
	}

	return p
}

// Register adds services to the partition. Nothing is registered if any of
// them is invalid or already known.
func (p *Partition) Register(services ...Service) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := map[uint32]bool{}
	for _, s := range services {
		if s.Handler == nil {
			return fmt.Errorf("%w: sid %#x has no handler", ErrInvalidService, s.SID)
		}

		if _, found := p.services[s.SID]; found || seen[s.SID] {
			return fmt.Errorf("cannot register sid %#x, %w", s.SID, ErrAlreadyRegistered)
		}

		seen[s.SID] = true
	}

	for _, s := range services {
		s := s
		p.services[s.SID] = &s

		p.l.Debug("service registered",
			zap.Uint32("sid", s.SID),
			zap.Uint32("version", s.Version),
			zap.Stringer("policy", s.Policy),
		)
	}

	return nil
}

// Connections returns the number of open connections.
func (p *Partition) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.conns)
}

// Call runs msg to completion and returns its PSA result.
func (p *Partition) Call(msg *types.Message) int32 {
	if msg == nil {
		return int32(types.ErrorProgrammerError)
	}

	switch msg.Type {
	case types.MsgFrameworkVersion:
		return int32(types.FrameworkVersion)
	case types.MsgVersion:
		return int32(p.version(msg.Params.SID))
	case types.MsgConnect:
		return p.connect(msg.Params.SID, msg.Params.Version, msg.ClientID)
	case types.MsgCall:
		return int32(p.call(&msg.Params))
	case types.MsgClose:
		p.close(msg.Params.Handle)
		return int32(types.Success)
	default:
		p.l.Debug("unknown message type", zap.Stringer("type", msg.Type))
		return int32(types.ErrorProgrammerError)
	}
}

func (p *Partition) version(sid uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, found := p.services[sid]
	if !found {
		return types.VersionNone
	}

	return s.Version
}

func (p *Partition) connect(sid, version uint32, client int32) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, found := p.services[sid]
	if !found || !s.Policy.accepts(s.Version, version) {
		p.l.Debug("connection refused", zap.Uint32("sid", sid), zap.Uint32("version", version))
		return int32(types.ErrorConnectionRefused)
	}

	if p.maxConns > 0 && len(p.conns) >= p.maxConns {
		return int32(types.ErrorConnectionBusy)
	}

	h := p.next
	for {
		if _, used := p.conns[h]; !used {
			break
		}

		h = nextHandle(h)
	}

	p.next = nextHandle(h)
	p.conns[h] = connection{svc: s, client: client}

	p.l.Debug("connected",
		zap.Uint32("sid", sid),
		zap.Int32("handle", int32(h)),
		zap.Int32("client_id", client),
	)

	return int32(h)
}

func nextHandle(h types.Handle) types.Handle {
	if h == math.MaxInt32 {
		return 1
	}

	return h + 1
}

func (p *Partition) call(params *types.Params) types.Status {
	p.mu.Lock()
	conn, found := p.conns[params.Handle]
	p.mu.Unlock()

	if !found {
		return types.ErrorInvalidHandle
	}

	typ, inLen, outLen := types.UnpackCtrl(params.Ctrl)

	switch {
	case typ < 0, int(inLen)+int(outLen) > types.MaxIOVec:
		return types.ErrorProgrammerError
	case int(inLen) != len(params.In), int(outLen) != len(params.Out):
		p.l.Debug("vector counts do not match control word",
			zap.Uint32("ctrl", params.Ctrl),
			zap.Int("in", len(params.In)),
			zap.Int("out", len(params.Out)),
		)
		return types.ErrorProgrammerError
	}

	for i := range params.Out {
		params.Out[i].Len = 0
	}

	return conn.svc.Handler(typ, params.In, params.Out)
}

func (p *Partition) close(h types.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, found := p.conns[h]; !found {
		return
	}

	delete(p.conns, h)

	p.l.Debug("connection closed", zap.Int32("handle", int32(h)))
}
