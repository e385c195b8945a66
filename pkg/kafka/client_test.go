package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/144Lucky/kafka-elasticsearch-consumer/pkg/indexer"
)

func TestAssertResponseContainsPartition(t *testing.T) {
	topicID := kadm.TopicID{1, 2, 3}

	good := kmsg.NewFetchResponse()
	goodTopic := kmsg.NewFetchResponseTopic()
	goodTopic.TopicID = topicID
	goodPart := kmsg.NewFetchResponseTopicPartition()
	goodPart.Partition = 5
	goodTopic.Partitions = append(goodTopic.Partitions, goodPart)
	good.Topics = append(good.Topics, goodTopic)

	require.NoError(t, assertResponseContainsPartition(&good, topicID, 5))

	wrongPartition := good
	require.Error(t, assertResponseContainsPartition(&wrongPartition, topicID, 6))

	empty := kmsg.NewFetchResponse()
	require.Error(t, assertResponseContainsPartition(&empty, topicID, 5))
}

func TestHandleFetchError_StringMatchedRetriesWithoutEscalating(t *testing.T) {
	c := &Client{logger: log.NewNopLogger()}

	for _, errString := range []string{
		"dial tcp: unknown broker",
		chosenBrokerDied,
		"read tcp 10.0.0.1:9092: use of closed network connection",
	} {
		_, ok, err := c.HandleFetchError(context.Background(), errors.New(errString), 42)
		require.False(t, ok)
		require.Error(t, err)

		var fatal *indexer.BrokerFatalError
		require.False(t, errors.As(err, &fatal), "expected %q not to classify as broker-fatal", errString)
	}
}

func TestHandleFetchError_FatalClassification(t *testing.T) {
	c := &Client{logger: log.NewNopLogger()}

	cases := []error{
		kerr.TopicAuthorizationFailed,
		kerr.UnknownTopicOrPartition,
		kerr.UnsupportedVersion,
	}
	for _, kafkaErr := range cases {
		_, ok, err := c.HandleFetchError(context.Background(), kafkaErr, 0)
		require.False(t, ok)

		var fatal *indexer.BrokerFatalError
		require.True(t, errors.As(err, &fatal), "expected %v to classify as broker-fatal", kafkaErr)
	}
}

func TestHandleFetchError_UnknownPartitionLeaderIsNotFatal(t *testing.T) {
	// franz-go dials lazily, so this client never touches the network; it
	// only needs to exist so ForceMetadataRefresh has something to call.
	kc, err := kgo.NewClient(kgo.SeedBrokers("127.0.0.1:1"))
	require.NoError(t, err)
	defer kc.Close()

	c := &Client{logger: log.NewNopLogger(), kgoClient: kc}
	_, ok, handleErr := c.HandleFetchError(context.Background(), errUnknownPartitionLeader, 0)
	require.False(t, ok)
	require.ErrorIs(t, handleErr, errUnknownPartitionLeader)
}

func TestStringSliceValue(t *testing.T) {
	var brokers []string
	v := newStringSliceValue(&brokers)

	require.NoError(t, v.Set("a:9092,b:9092"))
	require.Equal(t, []string{"a:9092", "b:9092"}, brokers)
	require.Equal(t, "a:9092,b:9092", v.String())
}
