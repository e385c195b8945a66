package kafka

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/atomic"

	"github.com/144Lucky/kafka-elasticsearch-consumer/pkg/indexer"
	"github.com/144Lucky/kafka-elasticsearch-consumer/pkg/util/spanlogger"
)

// unknownBroker and chosenBrokerDied duplicate unexported franz-go error
// strings; franz-go doesn't export sentinel errors for them.
const (
	unknownBroker    = "unknown broker"
	chosenBrokerDied = "the internal broker struct chosen to issue this request has died--either the broker id is migrating or no longer exists"
)

var errUnknownPartitionLeader = errors.New("no leader known for partition")

// ClientConfig holds the options needed to reach one Kafka (or
// Kafka-protocol-compatible) cluster and read/commit offsets for a single
// partition.
type ClientConfig struct {
	Brokers       []string      `yaml:"brokers"`
	MaxWaitTime   time.Duration `yaml:"max_wait_time"`
	MaxFetchBytes int32         `yaml:"max_fetch_bytes"`
}

// RegisterFlags registers ClientConfig's flags under prefix.
func (c *ClientConfig) RegisterFlags(prefix string, f *flag.FlagSet) {
	f.Var(newStringSliceValue(&c.Brokers), prefix+"brokers", "Comma-separated list of host:port broker addresses.")
	f.DurationVar(&c.MaxWaitTime, prefix+"max-wait-time", 5*time.Second, "Maximum time a fetch request waits for MinBytes to accumulate.")
	c.MaxFetchBytes = 1_000_000
	f.Func(prefix+"max-fetch-bytes", "Maximum bytes requested per fetch.", func(v string) error {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return err
		}
		c.MaxFetchBytes = int32(n)
		return nil
	})
}

// retryBackoffConfig bounds the wait applied after a retryable broker error
// before HandleFetchError returns control to the round loop, and the
// reconnect probe's own retry loop. Grounded on fetcher.go's errBackoff
// construction: same Min/MaxBackoff floor, adapted to this client's
// one-call-at-a-time shape rather than a long-lived per-goroutine backoff
// reused across a tight fetch retry loop.
var retryBackoffConfig = backoff.Config{
	MinBackoff: 250 * time.Millisecond,
	MaxBackoff: 2 * time.Second,
	MaxRetries: 0, // unbounded; HandleFetchError's caller decides when to give up
}

// leaderInfo is the cached result of the last successful partitionLeader
// resolution.
type leaderInfo struct {
	id    int32
	epoch int32
}

// Client is a LogClient backed by a direct franz-go fetch per round, rather
// than the windowed concurrent-prefetch pipeline a high-throughput consumer
// would use: one IndexerWorker round needs at most one batch, so there is no
// benefit in fetching ahead of what a round can stage and post.
type Client struct {
	cfg           ClientConfig
	topic         string
	partition     int32
	consumerGroup string
	logger        log.Logger

	kgoClient *kgo.Client
	admClient *kadm.Client
	topicID   kadm.TopicID
	metrics   *kprom.Metrics
	leader    atomic.Pointer[leaderInfo]

	closeOnce sync.Once
}

// NewClient dials brokers and resolves topic into a TopicID. It does not
// resolve a partition leader eagerly; that happens lazily on the first
// Fetch, and again after every ForceMetadataRefresh.
func NewClient(cfg ClientConfig, topic string, partition int32, consumerGroup string, logger log.Logger, reg prometheus.Registerer) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.MaxFetchBytes <= 0 {
		cfg.MaxFetchBytes = 1_000_000
	}

	metrics := kprom.NewMetrics("indexer_kafka", kprom.Registerer(reg))
	kt := kotel.NewKotel()

	hooks := append([]kgo.Hook{metrics}, kt.Hooks()...)
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID("indexer"),
		kgo.WithLogger(&kgoLogAdapter{logger: logger}),
		kgo.WithHooks(hooks...),
	}

	kc, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka client")
	}

	admClient := kadm.NewClient(kc)

	topicDetails, err := admClient.ListTopics(context.Background(), topic)
	if err != nil {
		kc.Close()
		return nil, errors.Wrapf(err, "listing topic %q", topic)
	}
	detail, ok := topicDetails[topic]
	if !ok || detail.Err != nil {
		kc.Close()
		return nil, fmt.Errorf("topic %q not found", topic)
	}

	return &Client{
		cfg:           cfg,
		topic:         topic,
		partition:     partition,
		consumerGroup: consumerGroup,
		logger:        log.With(logger, "component", "kafka.Client"),
		kgoClient:     kc,
		admClient:     admClient,
		topicID:       detail.ID,
		metrics:       metrics,
	}, nil
}

// partitionLeader returns the cached leader/epoch pair if one is present, and
// resolves (then caches) it from cluster metadata otherwise. The cache is
// invalidated wherever the client forces a metadata refresh, so a stale
// leader is never served past the event that should have dropped it.
func (c *Client) partitionLeader(ctx context.Context) (int32, int32, error) {
	if li := c.leader.Load(); li != nil {
		return li.id, li.epoch, nil
	}

	md, err := c.admClient.Metadata(ctx, c.topic)
	if err != nil {
		return 0, 0, errors.Wrap(err, "fetching metadata")
	}
	detail, ok := md.Topics[c.topic]
	if !ok {
		return 0, 0, fmt.Errorf("topic %q missing from metadata response", c.topic)
	}
	part, ok := detail.Partitions[c.partition]
	if !ok {
		return 0, 0, fmt.Errorf("partition %d missing from metadata response", c.partition)
	}
	if part.Leader == -1 {
		return 0, 0, errUnknownPartitionLeader
	}

	li := &leaderInfo{id: part.Leader, epoch: part.LeaderEpoch}
	c.leader.Store(li)
	return li.id, li.epoch, nil
}

// invalidateLeaderCache drops the cached leader/epoch pair, forcing the next
// partitionLeader call to re-resolve from metadata.
func (c *Client) invalidateLeaderCache() {
	c.leader.Store(nil)
}

func (c *Client) buildFetchRequest(offset int64, leaderEpoch int32) kmsg.FetchRequest {
	req := kmsg.NewFetchRequest()
	req.MinBytes = 1
	req.Version = 13
	req.MaxWaitMillis = int32(c.cfg.MaxWaitTime / time.Millisecond)
	req.MaxBytes = c.cfg.MaxFetchBytes

	reqTopic := kmsg.NewFetchRequestTopic()
	reqTopic.Topic = c.topic
	reqTopic.TopicID = c.topicID

	reqPartition := kmsg.NewFetchRequestTopicPartition()
	reqPartition.Partition = c.partition
	reqPartition.FetchOffset = offset
	reqPartition.PartitionMaxBytes = req.MaxBytes
	reqPartition.CurrentLeaderEpoch = leaderEpoch

	reqTopic.Partitions = append(reqTopic.Partitions, reqPartition)
	req.Topics = append(req.Topics, reqTopic)
	return req
}

// Fetch implements indexer.LogClient.
func (c *Client) Fetch(ctx context.Context, offset int64) (indexer.Batch, error) {
	sl, ctx := spanlogger.NewWithLogger(ctx, c.logger, "kafka.Client.Fetch")
	defer sl.Finish()

	leaderID, leaderEpoch, err := c.partitionLeader(ctx)
	if err != nil {
		return indexer.Batch{}, err
	}

	req := c.buildFetchRequest(offset, leaderEpoch)
	resp, err := req.RequestWith(ctx, c.kgoClient.Broker(int(leaderID)))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return indexer.Batch{}, err
		}
		return indexer.Batch{}, errors.Wrap(err, "fetching from kafka")
	}

	sl.DebugLog("msg", "fetch request complete", "offset", offset)
	return c.parseFetchResponse(ctx, offset, resp)
}

func (c *Client) parseFetchResponse(ctx context.Context, offset int64, resp *kmsg.FetchResponse) (indexer.Batch, error) {
	if err := assertResponseContainsPartition(resp, c.topicID, c.partition); err != nil {
		return indexer.Batch{}, err
	}

	parseOptions := kgo.ProcessFetchPartitionOptions{
		KeepControlRecords: false,
		Offset:             offset,
		IsolationLevel:     kgo.ReadUncommitted(),
		Topic:              c.topic,
		Partition:          c.partition,
	}

	observeMetrics := func(m kgo.FetchBatchMetrics) {
		c.metrics.OnFetchBatchRead(kgo.BrokerMetadata{}, c.topic, c.partition, m)
	}

	rawPartitionResp := resp.Topics[0].Partitions[0]
	partition, _ := kgo.ProcessRespPartition(parseOptions, &rawPartitionResp, observeMetrics)
	if partition.Err != nil {
		return indexer.Batch{}, partition.Err
	}

	records := make([]indexer.Record, 0, len(partition.Records))
	validBytes := 0
	for _, rec := range partition.Records {
		records = append(records, indexer.Record{
			Offset: rec.Offset,
			Key:    rec.Key,
			Value:  rec.Value,
		})
		validBytes += len(rec.Value)
	}

	return indexer.Batch{Records: records, ValidBytes: validBytes}, nil
}

func assertResponseContainsPartition(resp *kmsg.FetchResponse, topicID kadm.TopicID, partitionID int32) error {
	if topics := resp.Topics; len(topics) < 1 || topics[0].TopicID != topicID {
		received := kadm.TopicID{}
		if len(topics) > 0 {
			received = topics[0].TopicID
		}
		return fmt.Errorf("didn't find expected topic %s in fetch response; received topic %s", topicID, received)
	}
	if partitions := resp.Topics[0].Partitions; len(partitions) < 1 || partitions[0].Partition != partitionID {
		received := int32(-1)
		if len(partitions) > 0 {
			received = partitions[0].Partition
		}
		return fmt.Errorf("didn't find expected partition %d in fetch response; received partition %d", partitionID, received)
	}
	return nil
}

// HandleFetchError implements indexer.LogClient. It classifies a Fetch
// error the same way a production Kafka fetch loop would: offsets that
// fell off the front of the log are rebased forward; authorization,
// unknown-topic and unsupported-version errors are wrapped as
// *indexer.BrokerFatalError; leader/metadata churn triggers a refresh and is
// propagated for the worker's own reconnect policy; everything else is
// propagated unchanged.
func (c *Client) HandleFetchError(ctx context.Context, fetchErr error, offset int64) (int64, bool, error) {
	logger := spanlogger.FromContext(ctx, c.logger)

	var errString string
	if fetchErr != nil {
		errString = fetchErr.Error()
	}

	// waitBackoff applies the floor delay before this method returns control
	// to the round loop, so a retryable error doesn't spin the worker at full
	// speed while the cluster recovers.
	waitBackoff := func() {
		backoff.New(ctx, retryBackoffConfig).Wait()
	}

	switch {
	case errors.Is(fetchErr, kerr.OffsetOutOfRange):
		earliest, err := c.startOffset(ctx)
		if err != nil {
			level.Error(logger).Log("msg", "failed to find log start offset to readjust on OffsetOutOfRange; retrying same offset", "err", err)
			return 0, false, fetchErr
		}
		if offset < earliest {
			level.Debug(logger).Log("msg", "requested offset precedes log start; fast-forwarding", "requested_offset", offset, "log_start_offset", earliest)
			return earliest, true, nil
		}
		// offset >= earliest: we're asking for something not yet produced.
		// Not resolvable by rebasing; let the caller retry the same offset.
		return 0, false, fetchErr

	case errors.Is(fetchErr, kerr.TopicAuthorizationFailed):
		return 0, false, &indexer.BrokerFatalError{Op: "fetch", Err: fetchErr}
	case errors.Is(fetchErr, kerr.UnknownTopicOrPartition):
		return 0, false, &indexer.BrokerFatalError{Op: "fetch", Err: fetchErr}
	case errors.Is(fetchErr, kerr.UnsupportedVersion):
		return 0, false, &indexer.BrokerFatalError{Op: "fetch", Err: fetchErr}

	case errors.Is(fetchErr, kerr.UnsupportedCompressionType):
		level.Error(logger).Log("msg", "received UNSUPPORTED_COMPRESSION_TYPE from kafka; this shouldn't happen", "err", fetchErr)
		waitBackoff()
		return 0, false, fetchErr
	case errors.Is(fetchErr, kerr.KafkaStorageError):
		waitBackoff()
		return 0, false, fetchErr
	case errors.Is(fetchErr, kerr.UnknownTopicID):
		waitBackoff()
		return 0, false, fetchErr
	case errors.Is(fetchErr, kerr.OffsetMovedToTieredStorage):
		level.Error(logger).Log("msg", "received OFFSET_MOVED_TO_TIERED_STORAGE from kafka; this shouldn't happen", "err", fetchErr)
		waitBackoff()
		return 0, false, fetchErr

	case errors.Is(fetchErr, kerr.NotLeaderForPartition),
		errors.Is(fetchErr, kerr.ReplicaNotAvailable),
		errors.Is(fetchErr, kerr.UnknownLeaderEpoch),
		errors.Is(fetchErr, kerr.FencedLeaderEpoch),
		errors.Is(fetchErr, kerr.LeaderNotAvailable),
		errors.Is(fetchErr, kerr.BrokerNotAvailable),
		errors.Is(fetchErr, errUnknownPartitionLeader):
		c.invalidateLeaderCache()
		c.kgoClient.ForceMetadataRefresh()
		waitBackoff()
		return 0, false, fetchErr

	case strings.Contains(errString, unknownBroker):
		return 0, false, fetchErr
	case strings.Contains(errString, chosenBrokerDied):
		return 0, false, fetchErr
	case strings.Contains(errString, "use of closed network connection"):
		return 0, false, fetchErr
	case strings.Contains(errString, "i/o timeout"):
		c.invalidateLeaderCache()
		c.kgoClient.ForceMetadataRefresh()
		waitBackoff()
		return 0, false, fetchErr

	default:
		level.Error(logger).Log("msg", "received an error we're not prepared to handle", "err", fetchErr)
		waitBackoff()
		return 0, false, fetchErr
	}
}

func (c *Client) startOffset(ctx context.Context) (int64, error) {
	listed, err := c.admClient.ListStartOffsets(ctx, c.topic)
	if err != nil {
		return 0, err
	}
	offset, ok := listed.Lookup(c.topic, c.partition)
	if !ok {
		return 0, fmt.Errorf("partition %d missing from start-offset listing", c.partition)
	}
	if offset.Err != nil {
		return 0, offset.Err
	}
	return offset.Offset, nil
}

// LatestOffset implements indexer.LogClient.
func (c *Client) LatestOffset(ctx context.Context) (int64, error) {
	listed, err := c.admClient.ListEndOffsets(ctx, c.topic)
	if err != nil {
		return 0, errors.Wrap(err, "listing end offsets")
	}
	offset, ok := listed.Lookup(c.topic, c.partition)
	if !ok {
		return 0, fmt.Errorf("partition %d missing from end-offset listing", c.partition)
	}
	if offset.Err != nil {
		return 0, offset.Err
	}
	return offset.Offset, nil
}

// ComputeInitialOffset implements indexer.LogClient. It returns the consumer
// group's committed offset for this partition, falling back to the
// partition's earliest offset when the group has never committed on it.
// Client holds no OffsetPolicy: the earliest and latest policies are not
// applied here, and every policy resolves as last-committed.
func (c *Client) ComputeInitialOffset(ctx context.Context) (int64, error) {
	committed, err := c.admClient.FetchOffsets(ctx, c.consumerGroup)
	if err != nil {
		return 0, errors.Wrap(err, "fetching committed offsets")
	}
	offset, ok := committed.Lookup(c.topic, c.partition)
	if ok && offset.Err == nil && offset.At >= 0 {
		return offset.At, nil
	}
	return c.startOffset(ctx)
}

// CommitOffset implements indexer.LogClient.
func (c *Client) CommitOffset(ctx context.Context, offset int64) error {
	offsets := make(kadm.Offsets)
	offsets.Add(kadm.Offset{
		Topic:     c.topic,
		Partition: c.partition,
		At:        offset,
	})

	resp, err := c.admClient.CommitOffsets(ctx, c.consumerGroup, offsets)
	if err != nil {
		return errors.Wrap(err, "committing offsets")
	}
	partResp, ok := resp.Lookup(c.topic, c.partition)
	if !ok {
		return fmt.Errorf("commit response missing partition %d", c.partition)
	}
	return partResp.Err
}

// Reconnect implements indexer.LogClient. franz-go maintains its own
// connection pool; there is no explicit "redial" call, so Reconnect forces
// a metadata refresh, which causes the client to re-resolve brokers and
// drop stale connections on the next request. The probe that follows is
// retried with a bounded backoff rather than failing on the first blip: the
// worker only calls Reconnect once per broker-recoverable round failure, so
// this is its one chance to ride out a short cluster hiccup before the
// worker gives up and transitions to Failed.
func (c *Client) Reconnect(ctx context.Context) error {
	c.invalidateLeaderCache()
	c.kgoClient.ForceMetadataRefresh()

	b := backoff.New(ctx, backoff.Config{
		MinBackoff: retryBackoffConfig.MinBackoff,
		MaxBackoff: retryBackoffConfig.MaxBackoff,
		MaxRetries: 5,
	})
	var err error
	for b.Ongoing() {
		if _, err = c.admClient.ListBrokers(ctx); err == nil {
			return nil
		}
		level.Warn(c.logger).Log("msg", "reconnect probe failed, retrying", "attempt", b.NumRetries(), "err", err)
		b.Wait()
	}
	return errors.Wrapf(err, "reconnect probe failed after %d attempts", b.NumRetries())
}

// Close implements indexer.LogClient. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.kgoClient.Close()
	})
	return nil
}

// kgoLogAdapter routes franz-go's internal logging through the worker's
// go-kit logger so a single log sink sees both layers.
type kgoLogAdapter struct {
	logger log.Logger
}

func (a *kgoLogAdapter) Level() kgo.LogLevel {
	return kgo.LogLevelInfo
}

func (a *kgoLogAdapter) Log(lvl kgo.LogLevel, msg string, keyvals ...any) {
	kvs := append([]any{"msg", msg}, keyvals...)
	switch lvl {
	case kgo.LogLevelError:
		level.Error(a.logger).Log(kvs...)
	case kgo.LogLevelWarn:
		level.Warn(a.logger).Log(kvs...)
	case kgo.LogLevelInfo:
		level.Info(a.logger).Log(kvs...)
	default:
		level.Debug(a.logger).Log(kvs...)
	}
}

// stringSliceValue adapts a []string to flag.Value for a comma-separated
// broker list flag.
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
