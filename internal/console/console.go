// Package console implements the operator command surface: the literal
// `cdr ...` commands exposed over the admin server.
package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/calltrace/cadence/internal/backend"
	"github.com/calltrace/cadence/internal/batch"
	"github.com/calltrace/cadence/internal/cdr"
	"github.com/calltrace/cadence/internal/clock"
	"github.com/calltrace/cadence/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params declares the console's dependencies.
type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Opts       *config.OptionsHolder
	Engine     *cdr.Engine
	Dispatcher *batch.Dispatcher
	Registry   *backend.Registry
}

// Console executes operator commands against the engine.
type Console struct {
	log        *zap.Logger
	clock      clock.Clock
	opts       *config.OptionsHolder
	engine     *cdr.Engine
	dispatcher *batch.Dispatcher
	registry   *backend.Registry
}

// New constructs the console.
func New(p Params) *Console {
	return &Console{
		log:        p.Log.Named("cdr.console"),
		clock:      p.Clock,
		opts:       p.Opts,
		engine:     p.Engine,
		dispatcher: p.Dispatcher,
		registry:   p.Registry,
	}
}

// Execute runs one command line and returns its output.
func (c *Console) Execute(command string) (string, error) {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 || fields[0] != "cdr" {
		return "", fmt.Errorf("unknown command %q", command)
	}

	switch {
	case len(fields) == 4 && fields[1] == "set" && fields[2] == "debug":
		return c.setDebug(fields[3])
	case len(fields) == 3 && fields[1] == "show" && fields[2] == "status":
		return c.Status(), nil
	case len(fields) == 2 && fields[1] == "submit":
		c.dispatcher.Submit()
		return "Submitted CDRs to backend engines for processing.  This may take a while.\n", nil
	default:
		return "", fmt.Errorf("unknown command %q", command)
	}
}

func (c *Console) setDebug(arg string) (string, error) {
	opts := c.opts.Get()
	switch arg {
	case "on":
		if !opts.Debug {
			opts.Debug = true
			c.opts.Store(opts)
		}
		return "CDR debugging enabled\n", nil
	case "off":
		if opts.Debug {
			opts.Debug = false
			c.opts.Store(opts)
		}
		return "CDR debugging disabled\n", nil
	default:
		return "", fmt.Errorf("usage: cdr set debug on|off")
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func onOff(v bool, on, off string) string {
	if v {
		return on
	}
	return off
}

// Status renders the engine status block.
func (c *Console) Status() string {
	opts := c.opts.Get()
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString("Call Detail Record (CDR) settings\n")
	b.WriteString("----------------------------------\n")
	fmt.Fprintf(&b, "  Logging:                    %s\n", onOff(opts.Enabled, "Enabled", "Disabled"))
	fmt.Fprintf(&b, "  Mode:                       %s\n", onOff(opts.Batch, "Batch", "Simple"))
	if opts.Enabled {
		fmt.Fprintf(&b, "  Log unanswered calls:       %s\n", onOff(opts.Unanswered, "Yes", "No"))
		fmt.Fprintf(&b, "  Log congestion:             %s\n\n", onOff(opts.Congestion, "Yes", "No"))
		if opts.Batch {
			stats := c.dispatcher.Stats()
			next := int64(0)
			if !stats.NextFlush.IsZero() {
				if d := stats.NextFlush.Sub(c.clock.Now()); d > 0 {
					next = int64(d / time.Second)
				}
			}
			b.WriteString("* Batch Mode Settings\n")
			b.WriteString("  -------------------\n")
			fmt.Fprintf(&b, "  Safe shutdown:              %s\n", onOff(opts.SafeShutdown, "Enabled", "Disabled"))
			fmt.Fprintf(&b, "  Threading model:            %s\n", onOff(opts.SchedulerOnly, "Scheduler only", "Scheduler plus separate threads"))
			fmt.Fprintf(&b, "  Current batch size:         %d record%s\n", stats.Queued, plural(stats.Queued))
			fmt.Fprintf(&b, "  Maximum batch size:         %d record%s\n", opts.Size, plural(int(opts.Size)))
			fmt.Fprintf(&b, "  Maximum batch time:         %d second%s\n", opts.Time, plural(int(opts.Time)))
			fmt.Fprintf(&b, "  Next batch processing time: %d second%s\n\n", next, plural(int(next)))
		}
		b.WriteString("* Registered Backends\n")
		b.WriteString("  -------------------\n")
		names := c.registry.Names()
		if len(names) == 0 {
			b.WriteString("    (none)\n")
		} else {
			for _, name := range names {
				fmt.Fprintf(&b, "    %s\n", name)
			}
		}
		b.WriteString("\n")
	}

	return b.String()
}

var Module = fx.Module("cdr.console",
	fx.Provide(New),
)
