package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/144Lucky/kafka-elasticsearch-consumer/pkg/indexer"
	"github.com/144Lucky/kafka-elasticsearch-consumer/pkg/sink/elasticsearch"
)

type fakeSink struct {
	calls [][]elasticsearch.Document
	err   error
}

func (f *fakeSink) IndexBatch(ctx context.Context, docs []elasticsearch.Document) error {
	f.calls = append(f.calls, docs)
	return f.err
}

func TestPrepareForPost_StagesValidJSONAndDropsInvalid(t *testing.T) {
	sink := &fakeSink{}
	h := New(sink, 0, Config{}, nil, nil)

	batch := indexer.Batch{
		Records: []indexer.Record{
			{Offset: 10, Value: []byte(`{"a":1}`)},
			{Offset: 11, Value: []byte(`not json`)},
			{Offset: 12, Key: []byte("doc-12"), Value: []byte(`{"b":2}`)},
		},
	}

	next, err := h.PrepareForPost(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, int64(13), next)
	require.Len(t, h.staged, 2)
	require.Equal(t, "doc-12", h.staged[1].ID)
}

func TestPostToSink_PostsStagedAndClearsOnSuccess(t *testing.T) {
	sink := &fakeSink{}
	h := New(sink, 0, Config{}, nil, nil)

	_, err := h.PrepareForPost(context.Background(), indexer.Batch{
		Records: []indexer.Record{{Offset: 1, Value: []byte(`{}`)}},
	})
	require.NoError(t, err)

	require.NoError(t, h.PostToSink(context.Background()))
	require.Len(t, sink.calls, 1)
	require.Len(t, sink.calls[0], 1)
	require.Empty(t, h.staged)
}

func TestPostToSink_PropagatesSinkErrorAndClearsStaged(t *testing.T) {
	sink := &fakeSink{err: &indexer.SinkUnreachableError{}}
	h := New(sink, 0, Config{}, nil, nil)

	_, err := h.PrepareForPost(context.Background(), indexer.Batch{
		Records: []indexer.Record{{Offset: 1, Value: []byte(`{}`)}},
	})
	require.NoError(t, err)

	err = h.PostToSink(context.Background())
	require.Error(t, err)
	require.Empty(t, h.staged)
}

func TestPostToSink_EmptyStagedIsNoOp(t *testing.T) {
	sink := &fakeSink{}
	h := New(sink, 0, Config{}, nil, nil)

	_, err := h.PrepareForPost(context.Background(), indexer.Batch{
		Records: []indexer.Record{{Offset: 1, Value: []byte(`not json`)}},
	})
	require.NoError(t, err)

	require.NoError(t, h.PostToSink(context.Background()))
	require.Empty(t, sink.calls)
}

func TestPrepareForPost_DerivesIDFromFieldPathWhenKeyAbsent(t *testing.T) {
	sink := &fakeSink{}
	h := New(sink, 0, Config{IDFieldPath: "meta.id"}, nil, nil)

	_, err := h.PrepareForPost(context.Background(), indexer.Batch{
		Records: []indexer.Record{
			{Offset: 1, Value: []byte(`{"meta":{"id":"evt-1"},"x":1}`)},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "evt-1", h.staged[0].ID)
}

func TestPrepareForPost_FallsBackToPartitionOffsetWhenKeyAndFieldAbsent(t *testing.T) {
	sink := &fakeSink{}
	h := New(sink, 3, Config{IDFieldPath: "meta.id"}, nil, nil)

	_, err := h.PrepareForPost(context.Background(), indexer.Batch{
		Records: []indexer.Record{{Offset: 42, Value: []byte(`{"x":1}`)}},
	})
	require.NoError(t, err)
	require.Equal(t, "3-42", h.staged[0].ID)
}

func TestPrepareForPost_KeyTakesPriorityOverFieldPath(t *testing.T) {
	sink := &fakeSink{}
	h := New(sink, 0, Config{IDFieldPath: "meta.id"}, nil, nil)

	_, err := h.PrepareForPost(context.Background(), indexer.Batch{
		Records: []indexer.Record{
			{Offset: 1, Key: []byte("key-1"), Value: []byte(`{"meta":{"id":"evt-1"}}`)},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "key-1", h.staged[0].ID)
}
