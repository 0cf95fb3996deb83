package console

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/calltrace/cadence/internal/backend"
	"github.com/calltrace/cadence/internal/backend/memsink"
	"github.com/calltrace/cadence/internal/batch"
	"github.com/calltrace/cadence/internal/cdr"
	"github.com/calltrace/cadence/internal/clock"
	"github.com/calltrace/cadence/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestConsole(t *testing.T, opts config.Options) (*Console, *config.OptionsHolder) {
	t.Helper()

	log := zap.NewNop()
	holder := config.NewStaticOptions(opts)
	fc := clock.NewFakeClock(time.Unix(1700000000, 0))
	registry := backend.NewRegistry(log)
	require.NoError(t, registry.Register("cdr-csv", "CSV backend", memsink.New()))

	dispatcher := batch.New(batch.Params{
		Log:      log,
		Clock:    fc,
		Opts:     holder,
		Registry: registry,
	})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	engine := cdr.New(cdr.Params{
		Log:    log,
		Clock:  fc,
		Opts:   holder,
		IDs:    node,
		Writer: dispatcher,
	})

	cons := New(Params{
		Log:        log,
		Clock:      fc,
		Opts:       holder,
		Engine:     engine,
		Dispatcher: dispatcher,
		Registry:   registry,
	})
	return cons, holder
}

func TestSetDebug(t *testing.T) {
	cons, holder := newTestConsole(t, config.DefaultOptions())

	out, err := cons.Execute("cdr set debug on")
	require.NoError(t, err)
	assert.Equal(t, "CDR debugging enabled\n", out)
	assert.True(t, holder.Get().Debug)

	out, err = cons.Execute("cdr set debug off")
	require.NoError(t, err)
	assert.Equal(t, "CDR debugging disabled\n", out)
	assert.False(t, holder.Get().Debug)

	_, err = cons.Execute("cdr set debug sideways")
	assert.Error(t, err)
}

func TestShowStatusSimpleMode(t *testing.T) {
	cons, _ := newTestConsole(t, config.DefaultOptions())

	out, err := cons.Execute("cdr show status")
	require.NoError(t, err)

	assert.Contains(t, out, "Call Detail Record (CDR) settings")
	assert.Contains(t, out, "Logging:                    Enabled")
	assert.Contains(t, out, "Mode:                       Simple")
	assert.Contains(t, out, "Registered Backends")
	assert.Contains(t, out, "cdr-csv")
	assert.NotContains(t, out, "Batch Mode Settings")
}

func TestShowStatusBatchMode(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Batch = true
	opts.Size = 42
	cons, _ := newTestConsole(t, opts)

	out, err := cons.Execute("cdr show status")
	require.NoError(t, err)

	assert.Contains(t, out, "Mode:                       Batch")
	assert.Contains(t, out, "Batch Mode Settings")
	assert.Contains(t, out, "Maximum batch size:         42 records")
	assert.Contains(t, out, "Safe shutdown:              Enabled")
}

func TestShowStatusDisabled(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Enabled = false
	cons, _ := newTestConsole(t, opts)

	out, err := cons.Execute("cdr show status")
	require.NoError(t, err)
	assert.Contains(t, out, "Logging:                    Disabled")
	assert.NotContains(t, out, "Registered Backends")
}

func TestSubmit(t *testing.T) {
	cons, _ := newTestConsole(t, config.DefaultOptions())

	out, err := cons.Execute("cdr submit")
	require.NoError(t, err)
	assert.Contains(t, out, "Submitted CDRs")
}

func TestUnknownCommand(t *testing.T) {
	cons, _ := newTestConsole(t, config.DefaultOptions())

	_, err := cons.Execute("cdr frobnicate")
	assert.Error(t, err)
	_, err = cons.Execute("core show channels")
	assert.Error(t, err)
}
