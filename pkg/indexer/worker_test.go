package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// captureLogger records every Log call's keyvals so tests can assert on
// specific log lines (e.g. the failed-events record) without depending on
// go-kit's formatted output.
type captureLogger struct {
	mu    sync.Mutex
	lines [][]interface{}
}

func (c *captureLogger) Log(keyvals ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, append([]interface{}{}, keyvals...))
	return nil
}

func (c *captureLogger) contains(substr ...interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, line := range c.lines {
		found := 0
		for _, want := range substr {
			for _, got := range line {
				if fmt.Sprint(got) == fmt.Sprint(want) {
					found++
					break
				}
			}
		}
		if found == len(substr) {
			return true
		}
	}
	return false
}

type fakeLogClient struct {
	mu sync.Mutex

	fetchFunc              func(ctx context.Context, offset int64) (Batch, error)
	handleFetchErrFunc     func(ctx context.Context, err error, offset int64) (int64, bool, error)
	latestOffsetFunc       func(ctx context.Context) (int64, error)
	computeInitialOffset   func(ctx context.Context) (int64, error)
	commitOffsetFunc       func(ctx context.Context, offset int64) error
	reconnectFunc          func(ctx context.Context) error

	committed     []int64
	reconnectCnt  int
	closeCnt      int
}

func (f *fakeLogClient) Fetch(ctx context.Context, offset int64) (Batch, error) {
	return f.fetchFunc(ctx, offset)
}

func (f *fakeLogClient) HandleFetchError(ctx context.Context, err error, offset int64) (int64, bool, error) {
	if f.handleFetchErrFunc == nil {
		return 0, false, err
	}
	return f.handleFetchErrFunc(ctx, err, offset)
}

func (f *fakeLogClient) LatestOffset(ctx context.Context) (int64, error) {
	return f.latestOffsetFunc(ctx)
}

func (f *fakeLogClient) ComputeInitialOffset(ctx context.Context) (int64, error) {
	return f.computeInitialOffset(ctx)
}

func (f *fakeLogClient) CommitOffset(ctx context.Context, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitOffsetFunc != nil {
		if err := f.commitOffsetFunc(ctx, offset); err != nil {
			return err
		}
	}
	f.committed = append(f.committed, offset)
	return nil
}

func (f *fakeLogClient) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	f.reconnectCnt++
	f.mu.Unlock()
	if f.reconnectFunc != nil {
		return f.reconnectFunc(ctx)
	}
	return nil
}

func (f *fakeLogClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCnt++
	return nil
}

func (f *fakeLogClient) lastCommitted() (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.committed) == 0 {
		return 0, false
	}
	return f.committed[len(f.committed)-1], true
}

type fakeHandler struct {
	prepareFunc func(ctx context.Context, batch Batch) (int64, error)
	postFunc    func(ctx context.Context) error
	postCalls   int
}

func (h *fakeHandler) PrepareForPost(ctx context.Context, batch Batch) (int64, error) {
	return h.prepareFunc(ctx, batch)
}

func (h *fakeHandler) PostToSink(ctx context.Context) error {
	h.postCalls++
	return h.postFunc(ctx)
}

func recordsFrom(start, end int64) []Record {
	recs := make([]Record, 0, end-start)
	for o := start; o < end; o++ {
		recs = append(recs, Record{Offset: o, Value: []byte("v")})
	}
	return recs
}

func newTestWorker(t *testing.T, lc LogClient, h Handler, tweak func(*Config)) (*Worker, *captureLogger) {
	t.Helper()
	cfg := Config{
		Topic:                 "access-logs",
		Partition:             0,
		ConsumerGroupName:     "indexer",
		SleepBetweenFetchesMs: 5,
		InitialOffsetPolicy:   OffsetLastCommitted,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	cl := &captureLogger{}
	var logger log.Logger = cl
	w, err := New(cfg, h, lc, logger, nil)
	require.NoError(t, err)
	return w, cl
}

func TestScenario1_HappyPath(t *testing.T) {
	lc := &fakeLogClient{
		fetchFunc: func(ctx context.Context, offset int64) (Batch, error) {
			require.Equal(t, int64(100), offset)
			return Batch{Records: recordsFrom(100, 110), ValidBytes: 1000}, nil
		},
		commitOffsetFunc: func(ctx context.Context, offset int64) error { return nil },
	}
	h := &fakeHandler{
		prepareFunc: func(ctx context.Context, batch Batch) (int64, error) { return 110, nil },
		postFunc:    func(ctx context.Context) error { return nil },
	}
	w, _ := newTestWorker(t, lc, h, nil)
	w.isStartingFirstTime = false
	w.nextOffsetToProcess = 100

	require.NoError(t, w.runRound(context.Background()))

	require.Equal(t, int64(110), w.nextOffsetToProcess)
	committed, ok := lc.lastCommitted()
	require.True(t, ok)
	require.Equal(t, int64(110), committed)
	require.Equal(t, StateInProgress, w.Status().State)
}

func TestScenario2_EmptyFetchNoDrift(t *testing.T) {
	lc := &fakeLogClient{
		fetchFunc: func(ctx context.Context, offset int64) (Batch, error) {
			return Batch{ValidBytes: 0}, nil
		},
		latestOffsetFunc: func(ctx context.Context) (int64, error) { return 200, nil },
	}
	h := &fakeHandler{}
	w, _ := newTestWorker(t, lc, h, nil)
	w.isStartingFirstTime = false
	w.nextOffsetToProcess = 200

	require.NoError(t, w.runRound(context.Background()))

	require.Equal(t, int64(200), w.nextOffsetToProcess)
	_, committed := lc.lastCommitted()
	require.False(t, committed)
}

func TestScenario3_EmptyFetchWithDrift(t *testing.T) {
	lc := &fakeLogClient{
		fetchFunc: func(ctx context.Context, offset int64) (Batch, error) {
			return Batch{ValidBytes: 0}, nil
		},
		latestOffsetFunc: func(ctx context.Context) (int64, error) { return 250, nil },
	}
	h := &fakeHandler{}
	w, cl := newTestWorker(t, lc, h, nil)
	w.isStartingFirstTime = false
	w.nextOffsetToProcess = 200

	require.NoError(t, w.runRound(context.Background()))

	require.Equal(t, int64(200), w.nextOffsetToProcess)
	_, committed := lc.lastCommitted()
	require.False(t, committed)
	require.True(t, cl.contains("latest_offset", 250))
}

func TestScenario4_OffsetOutOfRange(t *testing.T) {
	sentinel := errors.New("offset out of range")
	lc := &fakeLogClient{
		fetchFunc: func(ctx context.Context, offset int64) (Batch, error) {
			require.Equal(t, int64(50), offset)
			return Batch{}, sentinel
		},
		handleFetchErrFunc: func(ctx context.Context, err error, offset int64) (int64, bool, error) {
			require.Equal(t, sentinel, err)
			return 1000, true, nil
		},
	}
	h := &fakeHandler{}
	w, _ := newTestWorker(t, lc, h, nil)
	w.isStartingFirstTime = false
	w.nextOffsetToProcess = 50

	require.NoError(t, w.runRound(context.Background()))

	require.Equal(t, int64(1000), w.nextOffsetToProcess)
	_, committed := lc.lastCommitted()
	require.False(t, committed)
	require.Equal(t, 0, h.postCalls)
}

func TestScenario5_SinkUnreachable(t *testing.T) {
	lc := &fakeLogClient{
		fetchFunc: func(ctx context.Context, offset int64) (Batch, error) {
			require.Equal(t, int64(300), offset)
			return Batch{Records: recordsFrom(300, 305), ValidBytes: 500}, nil
		},
	}
	h := &fakeHandler{
		prepareFunc: func(ctx context.Context, batch Batch) (int64, error) { return 305, nil },
		postFunc:    func(ctx context.Context) error { return &SinkUnreachableError{Err: errors.New("connection refused")} },
	}
	w, _ := newTestWorker(t, lc, h, nil)
	w.isStartingFirstTime = false
	w.nextOffsetToProcess = 300

	require.NoError(t, w.runRound(context.Background()))

	require.Equal(t, int64(300), w.nextOffsetToProcess)
	_, committed := lc.lastCommitted()
	require.False(t, committed)
}

func TestScenario6_SinkDataError(t *testing.T) {
	lc := &fakeLogClient{
		fetchFunc: func(ctx context.Context, offset int64) (Batch, error) {
			require.Equal(t, int64(400), offset)
			return Batch{Records: recordsFrom(400, 410), ValidBytes: 900}, nil
		},
		commitOffsetFunc: func(ctx context.Context, offset int64) error {
			require.Equal(t, int64(410), offset)
			return nil
		},
	}
	h := &fakeHandler{
		prepareFunc: func(ctx context.Context, batch Batch) (int64, error) { return 410, nil },
		postFunc:    func(ctx context.Context) error { return &SinkDataError{Detail: "M"} },
	}
	w, cl := newTestWorker(t, lc, h, nil)
	w.isStartingFirstTime = false
	w.nextOffsetToProcess = 400

	require.NoError(t, w.runRound(context.Background()))

	require.Equal(t, int64(410), w.nextOffsetToProcess)
	committed, ok := lc.lastCommitted()
	require.True(t, ok)
	require.Equal(t, int64(410), committed)
	require.True(t, cl.contains("offset_range_start", int64(400)))
	require.True(t, cl.contains("offset_range_end", int64(409)))
	require.True(t, cl.contains("detail", "M"))
}

func TestScenario7_ShutdownDuringSleep(t *testing.T) {
	defer goleak.VerifyNone(t)

	var fetches int
	lc := &fakeLogClient{
		computeInitialOffset: func(ctx context.Context) (int64, error) { return 500, nil },
		fetchFunc: func(ctx context.Context, offset int64) (Batch, error) {
			fetches++
			if fetches == 1 {
				return Batch{Records: recordsFrom(500, 505), ValidBytes: 500}, nil
			}
			return Batch{ValidBytes: 0}, nil
		},
		latestOffsetFunc: func(ctx context.Context) (int64, error) { return 505, nil },
		commitOffsetFunc: func(ctx context.Context, offset int64) error { return nil },
	}
	h := &fakeHandler{
		prepareFunc: func(ctx context.Context, batch Batch) (int64, error) { return 505, nil },
		postFunc:    func(ctx context.Context) error { return nil },
	}
	w, _ := newTestWorker(t, lc, h, func(c *Config) { c.SleepBetweenFetchesMs = 20 })

	done := make(chan JobStatus, 1)
	go func() {
		done <- w.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		_, ok := lc.lastCommitted()
		return ok
	}, time.Second, time.Millisecond)

	w.RequestShutdown()

	var status JobStatus
	select {
	case status = <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after RequestShutdown")
	}

	require.Equal(t, StateStopped, status.State)
	require.Equal(t, int64(505), status.LastCommittedOffset)
	require.Equal(t, 1, lc.closeCnt)
}

func TestScenario8_DoubleBrokerFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	fetchErr := errors.New("transient broker error")
	reconnectErr := errors.New("broker still unreachable")
	lc := &fakeLogClient{
		computeInitialOffset: func(ctx context.Context) (int64, error) { return 10, nil },
		fetchFunc: func(ctx context.Context, offset int64) (Batch, error) {
			return Batch{}, fetchErr
		},
		handleFetchErrFunc: func(ctx context.Context, err error, offset int64) (int64, bool, error) {
			return 0, false, err
		},
		reconnectFunc: func(ctx context.Context) error { return reconnectErr },
	}
	h := &fakeHandler{}
	w, _ := newTestWorker(t, lc, h, nil)

	status := w.Run(context.Background())

	require.Equal(t, StateFailed, status.State)
	require.Equal(t, 1, lc.reconnectCnt)
	require.Equal(t, 1, lc.closeCnt)
}

func TestDryRun_NeverPostsOrCommitsOrAdvances(t *testing.T) {
	lc := &fakeLogClient{
		fetchFunc: func(ctx context.Context, offset int64) (Batch, error) {
			return Batch{Records: recordsFrom(700, 705), ValidBytes: 500}, nil
		},
	}
	h := &fakeHandler{
		prepareFunc: func(ctx context.Context, batch Batch) (int64, error) { return 705, nil },
		postFunc:    func(ctx context.Context) error { return nil },
	}
	w, _ := newTestWorker(t, lc, h, func(c *Config) { c.IsDryRun = true })
	w.isStartingFirstTime = false
	w.nextOffsetToProcess = 700

	require.NoError(t, w.runRound(context.Background()))

	require.Equal(t, int64(700), w.nextOffsetToProcess)
	require.Equal(t, 0, h.postCalls)
	_, committed := lc.lastCommitted()
	require.False(t, committed)
}
