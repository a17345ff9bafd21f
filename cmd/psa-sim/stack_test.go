package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/wallera-computer/nsipc/config"
	"github.com/wallera-computer/nsipc/log"
	"github.com/wallera-computer/nsipc/osal"
	"github.com/wallera-computer/nsipc/psa"
)

func TestStack_Load(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"ns lock", func(*config.Config) {}},
		{"ns lock over rpc", func(c *config.Config) { c.Veneer = config.VeneerRPC }},
		{"mailbox sleep pooled", func(c *config.Config) { c.Transport = config.TransportMailbox }},
		{"mailbox poll unbounded", func(c *config.Config) {
			c.Transport = config.TransportMailbox
			c.ReplyWait = config.ReplyWaitPoll
			c.Pool = false
			c.Slots = 2
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := config.Default()
			tt.mutate(&c)
			require.NoError(t, c.Validate())

			g := osal.NewGo()
			ctx := context.Background()

			s, err := newStack(c, g, log.Nop())
			require.NoError(t, err)

			client := psa.New(s.transport)

			var ticks atomic.Int64
			res := runLoad(ctx, g, client, c.Services[0], args{callers: 4, calls: 10, payload: 8}, func() {
				ticks.Inc()
			})
			require.Equal(t, int64(40), res.calls.Load())
			require.Equal(t, int64(0), res.failures.Load())
			require.Equal(t, int64(40), ticks.Load())

			st, ok := s.stats()
			require.Equal(t, c.Transport == config.TransportMailbox, ok)
			if ok {
				require.Equal(t, st.Tx, st.Rx)
				require.LessOrEqual(t, st.MaxInFlight, c.Slots)
			}

			require.NoError(t, s.Close())
		})
	}
}

func TestStack_RejectsDuplicatedServices(t *testing.T) {
	c := config.Default()
	c.Services = append(c.Services, c.Services[0])

	_, err := newStack(c, osal.NewGo(), log.Nop())
	require.Error(t, err)
}

func TestStack_InterruptedLoad(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"ns lock", func(*config.Config) {}},
		{"mailbox sleep pooled", func(c *config.Config) { c.Transport = config.TransportMailbox }},
		{"mailbox poll unbounded", func(c *config.Config) {
			c.Transport = config.TransportMailbox
			c.ReplyWait = config.ReplyWaitPoll
			c.Pool = false
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := config.Default()
			tt.mutate(&c)
			require.NoError(t, c.Validate())

			g := osal.NewGo()
			s, err := newStack(c, g, log.Nop())
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			const total = 4 * 1_000_000

			var once sync.Once
			ticks := atomic.NewInt64(0)

			done := make(chan *loadResult, 1)
			go func() {
				done <- runLoad(ctx, g, psa.New(s.transport), c.Services[0], args{callers: 4, calls: total / 4, payload: 8}, func() {
					if ticks.Inc() == 100 {
						once.Do(cancel)
					}
				})
			}()

			select {
			case res := <-done:
				require.Less(t, res.calls.Load(), int64(total))
				require.Equal(t, int64(0), res.failures.Load())
			case <-time.After(5 * time.Second):
				t.Fatal("load did not stop after cancellation")
			}

			require.NoError(t, s.Close())
		})
	}
}
