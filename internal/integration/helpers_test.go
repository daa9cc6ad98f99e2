//go:build integration

package integration_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/tlm-solutions/locations-consensus/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka runs a single-node broker and returns its address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()

	ctr, err := kafka.Run(ctx, "confluentinc/confluent-local:7.5.0", kafka.WithClusterID("locations-consensus-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	brokers, err := ctr.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

// createTopic creates a single-partition topic through the controller.
func createTopic(t *testing.T, broker, topic string) {
	t.Helper()

	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	ctrl, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// memStore is an in-memory pipeline.ObservationStore with session dedup.
type memStore struct {
	mu        sync.Mutex
	seen      map[string]struct{}
	raw       []domain.RawObservation
	consensus map[domain.SiteKey]domain.ConsensusLocation
}

func newMemStore() *memStore {
	return &memStore{
		seen:      make(map[string]struct{}),
		consensus: make(map[domain.SiteKey]domain.ConsensusLocation),
	}
}

func (s *memStore) AppendRaw(_ context.Context, obs []domain.RawObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range obs {
		id := o.ContributorSession.String() + "/" + o.Key().String()
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		s.raw = append(s.raw, o)
	}
	return nil
}

func (s *memStore) ListRaw(_ context.Context, key domain.SiteKey, limit int) ([]domain.RawObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RawObservation
	for _, o := range s.raw {
		if o.Key() == key {
			out = append(out, o)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) IsGroundTruth(_ context.Context, key domain.SiteKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consensus[key].GroundTruth, nil
}

func (s *memStore) UpsertConsensus(_ context.Context, loc domain.ConsensusLocation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consensus[loc.Key()].GroundTruth {
		return false, nil
	}
	s.consensus[loc.Key()] = loc
	return true, nil
}

func (s *memStore) ReplaceConsensus(_ context.Context, loc domain.ConsensusLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consensus[loc.Key()] = loc
	return nil
}
