// Package elasticsearch posts staged documents to an Elasticsearch index
// using a bulk request per batch, and classifies the outcome into the
// sink-unreachable/sink-data distinction the indexer worker's recovery
// policy depends on.
package elasticsearch

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"strings"
	"sync"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/144Lucky/kafka-elasticsearch-consumer/pkg/indexer"
)

// Config holds the options needed to reach an Elasticsearch cluster and
// index into one target index.
type Config struct {
	Addresses  []string `yaml:"addresses"`
	Index      string   `yaml:"index"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	NumWorkers int      `yaml:"num_workers"`
}

// RegisterFlags registers Config's flags under prefix.
func (c *Config) RegisterFlags(prefix string, f *flag.FlagSet) {
	f.Var(newStringSliceValue(&c.Addresses), prefix+"addresses", "Comma-separated list of Elasticsearch node URLs.")
	f.StringVar(&c.Index, prefix+"index", "", "Target index (or index name pattern/alias) for bulk requests.")
	f.StringVar(&c.Username, prefix+"username", "", "Basic auth username, if required.")
	f.StringVar(&c.Password, prefix+"password", "", "Basic auth password, if required.")
	f.IntVar(&c.NumWorkers, prefix+"num-workers", 1, "Number of bulk indexer worker goroutines per batch.")
}

// Validate checks that Config describes a usable sink.
func (c *Config) Validate() error {
	if len(c.Addresses) == 0 {
		return fmt.Errorf("at least one address is required")
	}
	if c.Index == "" {
		return fmt.Errorf("index must not be empty")
	}
	return nil
}

// Document is one record staged for indexing. ID may be empty, in which
// case Elasticsearch assigns one.
type Document struct {
	ID   string
	Body []byte
}

// Client posts batches of Documents to a single Elasticsearch index.
type Client struct {
	es      *elasticsearch.Client
	index   string
	logger  log.Logger
	workers int
}

// NewClient constructs a Client. It does not ping the cluster; connectivity
// problems surface as a *indexer.SinkUnreachableError from the first
// IndexBatch call.
func NewClient(cfg Config, logger log.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing elasticsearch client: %w", err)
	}

	workers := cfg.NumWorkers
	if workers <= 0 {
		workers = 1
	}

	return &Client{
		es:      es,
		index:   cfg.Index,
		logger:  log.With(logger, "component", "elasticsearch.Client"),
		workers: workers,
	}, nil
}

// IndexBatch posts docs as a single bulk request. A nil return means every
// document was accepted. A *indexer.SinkUnreachableError means the cluster
// could not be reached at all, and the caller should retry the same batch
// later. A *indexer.SinkDataError means the cluster was reached but
// rejected one or more documents individually (mapping conflicts,
// malformed fields); those documents are not retried.
func (c *Client) IndexBatch(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	var (
		mu              sync.Mutex
		connectivityErr error
		rejectedDetails []string
	)

	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Index:      c.index,
		Client:     c.es,
		NumWorkers: c.workers,
		OnError: func(_ context.Context, err error) {
			mu.Lock()
			defer mu.Unlock()
			if connectivityErr == nil {
				connectivityErr = err
			}
		},
	})
	if err != nil {
		return &indexer.SinkUnreachableError{Err: fmt.Errorf("creating bulk indexer: %w", err)}
	}

	for _, doc := range docs {
		doc := doc
		item := esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: doc.ID,
			Body:       bytes.NewReader(doc.Body),
			OnFailure: func(_ context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, itemErr error) {
				mu.Lock()
				defer mu.Unlock()
				if itemErr != nil {
					if connectivityErr == nil {
						connectivityErr = itemErr
					}
					return
				}
				rejectedDetails = append(rejectedDetails, fmt.Sprintf("%s: [%d] %s: %s",
					item.DocumentID, res.Status, res.Error.Type, res.Error.Reason))
			},
		}
		if err := bi.Add(ctx, item); err != nil {
			return &indexer.SinkUnreachableError{Err: fmt.Errorf("queuing document %q: %w", doc.ID, err)}
		}
	}

	if err := bi.Close(ctx); err != nil {
		return &indexer.SinkUnreachableError{Err: err}
	}

	stats := bi.Stats()
	level.Debug(c.logger).Log("msg", "bulk request complete",
		"indexed", stats.NumFlushed, "failed", stats.NumFailed)

	mu.Lock()
	defer mu.Unlock()
	if connectivityErr != nil {
		return &indexer.SinkUnreachableError{Err: connectivityErr}
	}
	if len(rejectedDetails) > 0 {
		return &indexer.SinkDataError{Detail: strings.Join(rejectedDetails, "; ")}
	}
	return nil
}

// stringSliceValue adapts a []string to flag.Value for a comma-separated
// address list flag.
type stringSliceValue struct {
	target *[]string
}

func newStringSliceValue(target *[]string) *stringSliceValue {
	return &stringSliceValue{target: target}
}

func (s *stringSliceValue) String() string {
	if s == nil || s.target == nil {
		return ""
	}
	return strings.Join(*s.target, ",")
}

func (s *stringSliceValue) Set(v string) error {
	*s.target = strings.Split(v, ",")
	return nil
}
