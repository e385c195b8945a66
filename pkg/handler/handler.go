// Package handler provides the default MessageHandler: records are treated
// as whole JSON documents and indexed as-is, with per-record parse
// failures logged and dropped rather than failing the whole round.
package handler

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/144Lucky/kafka-elasticsearch-consumer/pkg/indexer"
	"github.com/144Lucky/kafka-elasticsearch-consumer/pkg/sink/elasticsearch"
	"github.com/144Lucky/kafka-elasticsearch-consumer/pkg/util/failedevents"
)

// Config holds the options recognized by the default JSONHandler.
type Config struct {
	IDFieldPath string `yaml:"id_field_path"`
}

// RegisterFlags registers Config's flags under prefix.
func (c *Config) RegisterFlags(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.IDFieldPath, prefix+"id-field-path", "",
		"Dot-separated path to a JSON field used as the document ID for records with no Kafka key. "+
			"Falls back to the partition/offset pair if unset or the field is missing from a given record.")
}

// Sink is the subset of elasticsearch.Client the handler depends on; tests
// substitute a fake.
type Sink interface {
	IndexBatch(ctx context.Context, docs []elasticsearch.Document) error
}

// JSONHandler is the default indexer.Handler: it expects every record
// value to already be a JSON document and posts them to Elasticsearch
// unmodified, deriving the document ID from the record key, a configured
// field path, or the partition/offset pair, in that order.
type JSONHandler struct {
	sink        Sink
	logger      log.Logger
	failed      *failedevents.Logger
	partition   int32
	idFieldPath []string

	staged []elasticsearch.Document
}

// New constructs a JSONHandler for partition, logging dropped records
// through failedLogger (a nil logger is replaced with a no-op one). An empty
// cfg.IDFieldPath disables the field-path lookup; the partition/offset
// fallback still applies to keyless records.
func New(sink Sink, partition int32, cfg Config, logger log.Logger, failedLogger *failedevents.Logger) *JSONHandler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if failedLogger == nil {
		failedLogger = failedevents.New(logger)
	}
	var idFieldPath []string
	if cfg.IDFieldPath != "" {
		idFieldPath = strings.Split(cfg.IDFieldPath, ".")
	}
	return &JSONHandler{
		sink:        sink,
		logger:      log.With(logger, "component", "handler.JSONHandler"),
		failed:      failedLogger,
		partition:   partition,
		idFieldPath: idFieldPath,
	}
}

// PrepareForPost implements indexer.Handler. It validates each record is
// well-formed JSON, stages the valid ones, and logs+drops the rest. The
// returned offset always covers the whole fetched batch: an unparseable
// record is a permanent transform failure, not something a retry of the
// same offset would fix.
func (h *JSONHandler) PrepareForPost(ctx context.Context, batch indexer.Batch) (int64, error) {
	h.staged = h.staged[:0]

	for _, rec := range batch.Records {
		if !json.Valid(rec.Value) {
			h.failed.Log(h.partition, rec.Offset, rec.Offset, "record value is not valid JSON")
			continue
		}
		doc := elasticsearch.Document{Body: rec.Value, ID: h.documentID(rec)}
		h.staged = append(h.staged, doc)
	}

	last := batch.Records[len(batch.Records)-1]
	return last.Offset + 1, nil
}

// documentID derives rec's Elasticsearch document ID: the Kafka record key
// if present, else the configured field path read out of the record value,
// else the partition/offset pair. The partition/offset fallback keeps a
// retried round idempotent for keyless records: it overwrites the same
// document instead of indexing a fresh one under an auto-generated ID.
func (h *JSONHandler) documentID(rec indexer.Record) string {
	if len(rec.Key) > 0 {
		return string(rec.Key)
	}
	if len(h.idFieldPath) > 0 {
		if v, ok := extractField(rec.Value, h.idFieldPath); ok {
			return v
		}
	}
	return fmt.Sprintf("%d-%d", h.partition, rec.Offset)
}

// extractField walks a dot-separated path through a JSON object and returns
// the string form of the scalar value at its end, if any.
func extractField(raw []byte, path []string) (string, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", false
	}

	var cur interface{} = obj
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		cur, ok = m[key]
		if !ok {
			return "", false
		}
	}

	switch v := cur.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

// PostToSink implements indexer.Handler. An empty staged set (every record
// in the batch failed to parse) is a no-op success: there is nothing to
// post, but the round still commits past the dropped records.
func (h *JSONHandler) PostToSink(ctx context.Context) error {
	if len(h.staged) == 0 {
		return nil
	}
	staged := h.staged
	h.staged = h.staged[:0]

	err := h.sink.IndexBatch(ctx, staged)
	if err != nil {
		return err
	}
	level.Debug(h.logger).Log("msg", "indexed batch", "documents", len(staged))
	return nil
}

var _ indexer.Handler = (*JSONHandler)(nil)
