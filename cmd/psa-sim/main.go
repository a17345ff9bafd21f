package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cheggaaa/pb/v3"
	"go.uber.org/zap"

	"github.com/wallera-computer/nsipc/config"
	"github.com/wallera-computer/nsipc/log"
	"github.com/wallera-computer/nsipc/osal"
	"github.com/wallera-computer/nsipc/psa"
)

type args struct {
	config    string
	transport string
	callers   int
	calls     int
	payload   int
	progress  bool
}

func cliArgs() args {
	a := args{}

	flag.StringVar(&a.config, "config", "", "YAML configuration file, defaults are used when empty")
	flag.StringVar(&a.transport, "transport", "", "override the configured transport (nslock, mailbox)")
	flag.IntVar(&a.callers, "callers", 4, "number of concurrent client threads")
	flag.IntVar(&a.calls, "calls", 100, "echo calls issued by each client thread")
	flag.IntVar(&a.payload, "payload", 16, "size in bytes of each echo request")
	flag.BoolVar(&a.progress, "progress", false, "show a progress bar while the load runs")
	flag.Parse()

	return a
}

func loadConfig(a args) (config.Config, error) {
	c := config.Default()

	if a.config != "" {
		var err error
		if c, err = config.Load(a.config); err != nil {
			return config.Config{}, err
		}
	}

	if a.transport != "" {
		c.Transport = config.Transport(a.transport)
	}

	return c, c.Validate()
}

func main() {
	a := cliArgs()

	c, err := loadConfig(a)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	zl := log.Production()
	if c.Debug {
		zl = log.Development()
	}
	defer func() {
		_ = zl.Sync()
	}()

	l := zl.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := osal.NewGo(osal.WithLogger(zl))

	s, err := newStack(c, g, zl)
	if err != nil {
		l.Fatalw("cannot set up psa stack", "error", err)
	}
	defer s.Close()

	client := psa.New(s.transport, psa.WithLogger(zl), psa.WithCallTimeout(c.CallTimeout))

	fv, err := client.FrameworkVersion(ctx)
	if err != nil {
		l.Fatalw("cannot read framework version", "error", err)
	}

	l.Infow("psa stack ready",
		"transport", c.Transport,
		"framework_version", fmt.Sprintf("%#x", fv),
		"services", len(c.Services),
	)

	var bar *pb.ProgressBar
	var tick func()
	if a.progress {
		bar = pb.StartNew(a.callers * a.calls)
		tick = func() {
			bar.Increment()
		}
	}

	res := runLoad(ctx, g, client, c.Services[0], a, tick)

	if bar != nil {
		bar.Finish()
	}

	l.Infow("load done",
		"callers", a.callers,
		"calls", res.calls.Load(),
		"failures", res.failures.Load(),
		"elapsed", res.elapsed,
	)

	if st, ok := s.stats(); ok {
		l.Infow("mailbox statistics",
			"tx", st.Tx,
			"rx", st.Rx,
			"queue_full", st.QueueFull,
			"abandoned", st.Abandoned,
			"max_in_flight", st.MaxInFlight,
		)
	}

	if res.failures.Load() > 0 {
		l.Desugar().Error("some calls failed", zap.Int64("failures", res.failures.Load()))
		os.Exit(1)
	}
}
