package backend

import (
	"errors"
	"testing"

	"github.com/calltrace/cadence/internal/cdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nopSink() Sink {
	return SinkFunc(func(rec *cdr.Record) error { return nil })
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	require.NoError(t, r.Register("cdr-csv", "CSV backend", nopSink()))
	require.NoError(t, r.Register("cdr-sql", "SQL backend", nopSink()))

	assert.Equal(t, []string{"cdr-csv", "cdr-sql"}, r.Names())
	assert.Len(t, r.Backends(), 2)
}

func TestRegistryRejectsDuplicatesCaseInsensitively(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	require.NoError(t, r.Register("cdr-csv", "", nopSink()))
	assert.ErrorIs(t, r.Register("CDR-CSV", "", nopSink()), ErrDuplicate)
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	assert.ErrorIs(t, r.Register("", "", nopSink()), ErrNoName)
	assert.ErrorIs(t, r.Register("a-name-longer-than-twenty", "", nopSink()), ErrNameTooLong)
	assert.ErrorIs(t, r.Register("cdr-csv", "", nil), ErrNoSink)
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	require.NoError(t, r.Register("cdr-csv", "", nopSink()))
	require.NoError(t, r.Register("cdr-sql", "", nopSink()))

	r.Unregister("CDR-csv")
	assert.Equal(t, []string{"cdr-sql"}, r.Names())

	// Unregistering the missing backend is quiet.
	r.Unregister("cdr-csv")
	assert.Equal(t, []string{"cdr-sql"}, r.Names())
}

func TestSinkFailureIsVisibleToCaller(t *testing.T) {
	boom := errors.New("boom")
	var s Sink = SinkFunc(func(rec *cdr.Record) error { return boom })
	assert.ErrorIs(t, s.Write(&cdr.Record{}), boom)
}
