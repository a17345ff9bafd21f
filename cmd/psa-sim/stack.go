package main

import (
	"context"
	"fmt"
	"net"
	"net/rpc"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wallera-computer/nsipc/config"
	"github.com/wallera-computer/nsipc/osal"
	"github.com/wallera-computer/nsipc/psa"
	"github.com/wallera-computer/nsipc/tee/mailbox"
	"github.com/wallera-computer/nsipc/tee/nslock"
	"github.com/wallera-computer/nsipc/tee/partition"
	"github.com/wallera-computer/nsipc/tee/types"
	"github.com/wallera-computer/nsipc/tee/veneer"
)

// stack is a PSA transport wired to an in-process secure partition.
type stack struct {
	transport psa.Transport
	mbox      *mailbox.Client
	closers   []func() error
}

func newStack(c config.Config, g *osal.Go, l *zap.Logger) (*stack, error) {
	p, err := newPartition(c, l)
	if err != nil {
		return nil, err
	}

	s := &stack{}

	switch c.Transport {
	case config.TransportNSLock:
		err = s.withLock(c, g, p, l)
	case config.TransportMailbox:
		err = s.withMailbox(c, g, p, l)
	default:
		err = fmt.Errorf("%w: unknown transport %q", config.ErrInvalidConfig, c.Transport)
	}

	if err != nil {
		return nil, multierr.Append(err, s.Close())
	}

	return s, nil
}

func newPartition(c config.Config, l *zap.Logger) (*partition.Partition, error) {
	p := partition.New(partition.WithLogger(l.Named("partition")))

	services := make([]partition.Service, 0, len(c.Services))
	for _, cs := range c.Services {
		svc := partition.EchoService(cs.SID)
		svc.Version = cs.Version
		svc.Policy = partition.PolicyRelaxed
		if cs.Policy == "strict" {
			svc.Policy = partition.PolicyStrict
		}

		services = append(services, svc)
	}

	if err := p.Register(services...); err != nil {
		return nil, err
	}

	return p, nil
}

func (s *stack) withLock(c config.Config, g *osal.Go, p *partition.Partition, l *zap.Logger) error {
	lock := nslock.New(g, nslock.WithLogger(l.Named("nslock")))
	if err := lock.Init(); err != nil {
		return err
	}

	var v types.Veneer = p

	if c.Veneer == config.VeneerRPC {
		srv := rpc.NewServer()
		if err := srv.RegisterName("PSA", p.RPC()); err != nil {
			return err
		}

		cc, sc := net.Pipe()
		go srv.ServeConn(sc)

		client := rpc.NewClient(cc)
		s.closers = append(s.closers, client.Close)

		v = veneer.NewRPC(client.Call, veneer.WithLogger(l.Named("veneer")))
	}

	s.transport = lock.Bind(v)

	return nil
}

func (s *stack) withMailbox(c config.Config, g *osal.Go, p *partition.Partition, l *zap.Logger) error {
	q, err := mailbox.NewQueue(c.Slots)
	if err != nil {
		return err
	}

	var w mailbox.ReplyWaiter = mailbox.NewPollWaiter()
	if c.ReplyWait == config.ReplyWaitSleep {
		w = mailbox.NewSleepWaiter(g)
	}

	db := mailbox.NewDoorbell()

	mc, err := mailbox.NewClient(q, db, w,
		mailbox.WithLogger(l.Named("mailbox")),
		mailbox.WithClientID(c.ClientID),
	)
	if err != nil {
		return err
	}

	s.mbox = mc
	s.closers = append(s.closers, mc.Close)

	// The secure core outlives the caller context: calls still in flight
	// when the load is interrupted must get their replies.
	sctx, cancel := context.WithCancel(context.Background())

	secure, err := g.NewThread("secure_core", osal.PriorityHigh, func(context.Context) {
		_ = p.Serve(sctx, q, db.Ring())
	})
	if err != nil {
		cancel()
		return err
	}

	s.closers = append(s.closers, func() error {
		cancel()
		secure.Join()
		return nil
	})

	s.transport = mc

	if c.Pool {
		pool := nslock.NewPool(g, q.Slots(), mc, nslock.WithLogger(l.Named("pool")))
		if err := pool.Init(); err != nil {
			return err
		}

		s.transport = pool
	}

	return nil
}

func (s *stack) stats() (mailbox.Stats, bool) {
	if s.mbox == nil {
		return mailbox.Stats{}, false
	}

	return s.mbox.Stats(), true
}

// Close releases the stack in reverse creation order.
func (s *stack) Close() (err error) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i]())
	}

	s.closers = nil

	return
}
