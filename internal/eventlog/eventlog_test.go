package eventlog

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rqlite/gorqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	stmts  []gorqlite.ParameterizedStatement
	fail   bool
	closed bool
}

func (f *fakeWriter) WriteParameterized(stmts []gorqlite.ParameterizedStatement) ([]gorqlite.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("rqlite unavailable")
	}
	f.stmts = append(f.stmts, stmts...)
	return make([]gorqlite.WriteResult, len(stmts)), nil
}

func (f *fakeWriter) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeWriter) written() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stmts)
}

func TestRecordFillsDefaults(t *testing.T) {
	w := &fakeWriter{}
	l := newLog(w, time.Hour)

	l.Record(Event{Kind: KindToggle, Node: "all", Result: ResultSuccess})
	require.NoError(t, l.Flush())
	require.Equal(t, 1, w.written())

	args := w.stmts[0].Arguments
	assert.NotEmpty(t, args[0], "id")
	assert.Equal(t, KindToggle, args[1])
	assert.NotEmpty(t, args[5], "timestamp")
}

func TestFlushFailureRequeues(t *testing.T) {
	w := &fakeWriter{fail: true}
	l := newLog(w, time.Hour)

	l.Record(Event{Kind: KindReset, Node: "ingress"})
	l.Record(Event{Kind: KindReset, Node: "egress"})
	require.Error(t, l.Flush())
	assert.Equal(t, 2, l.Pending())

	w.mu.Lock()
	w.fail = false
	w.mu.Unlock()
	require.NoError(t, l.Flush())
	assert.Equal(t, 0, l.Pending())
	assert.Equal(t, "ingress", w.stmts[0].Arguments[2])
}

func TestQueueBound(t *testing.T) {
	l := newLog(&fakeWriter{}, time.Hour)
	l.maxQueue = 3
	for _, n := range []string{"a", "b", "c", "d"} {
		l.Record(Event{Kind: KindDeviceUp, Node: n})
	}
	assert.Equal(t, 3, l.Pending())
	assert.Equal(t, "b", l.pending[0].Node)
}

func TestStopFlushes(t *testing.T) {
	w := &fakeWriter{}
	l := newLog(w, time.Hour)
	l.Start(context.Background())

	l.Record(Event{Kind: KindDeviceDown, Node: "midA"})
	l.Close()

	assert.Equal(t, 1, w.written())
	assert.True(t, w.closed)
}

func TestPeriodicFlush(t *testing.T) {
	w := &fakeWriter{}
	l := newLog(w, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer l.Stop()

	l.Record(Event{Kind: KindProvision, Node: "midB"})
	assert.Eventually(t, func() bool { return w.written() == 1 }, time.Second, 5*time.Millisecond)
}

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteParameterized(stmts []gorqlite.ParameterizedStatement) ([]gorqlite.WriteResult, error) {
	args := m.Called(stmts)
	return nil, args.Error(0)
}

func (m *mockWriter) Close() {
	m.Called()
}

func TestCloseRetriesFailedBatchOnce(t *testing.T) {
	w := &mockWriter{}
	w.On("WriteParameterized", mock.Anything).Return(errors.New("leader changed")).Once()
	w.On("WriteParameterized", mock.MatchedBy(func(stmts []gorqlite.ParameterizedStatement) bool {
		return len(stmts) == 2
	})).Return(nil).Once()
	w.On("Close").Return().Once()

	l := newLog(w, time.Hour)
	l.Record(Event{Kind: KindDeviceUp, Node: "ingress"})
	l.Record(Event{Kind: KindDeviceUp, Node: "egress"})
	require.Error(t, l.Flush())

	l.Close()
	w.AssertExpectations(t)
	assert.Equal(t, 0, l.Pending())
}

func TestRqliteRoundTrip(t *testing.T) {
	dbURI := os.Getenv("RQLITE_DB_URI")
	if dbURI == "" {
		t.Skip("RQLITE_DB_URI not set")
	}

	l, err := Open(dbURI, time.Hour)
	require.NoError(t, err)
	defer l.Close()

	ev := Event{Kind: KindToggle, Node: "all", Result: ResultSuccess, Detail: "path B live"}
	l.Record(ev)
	require.NoError(t, l.Flush())

	conn, err := gorqlite.Open(dbURI)
	require.NoError(t, err)
	defer conn.Close()

	res, err := conn.QueryOne("SELECT COUNT(*) FROM events WHERE detail = 'path B live'")
	require.NoError(t, err)
	require.True(t, res.Next())
	var n int64
	require.NoError(t, res.Scan(&n))
	assert.GreaterOrEqual(t, n, int64(1))
}
