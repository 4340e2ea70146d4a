package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const defaultMemoryPartitions = 4

var _ Client = (*MemoryClient)(nil)

// MemoryClient is an in-process broker with keyed partitions and consumer
// groups. It keeps every record for the lifetime of the client.
type MemoryClient struct {
	partitions int
	now        func() time.Time

	mu          sync.Mutex
	topics      map[string]*memoryTopic
	groups      map[string]*memoryGroup
	changed     chan struct{}
	connected   bool
	closed      bool
	publishHook func(topic string, key string) error
}

type memoryTopic struct {
	partitions [][]Record
}

type memoryGroup struct {
	committed  map[int]int64
	members    []*memorySubscription
	generation int
}

func NewMemoryClient(partitions int) *MemoryClient {
	if partitions <= 0 {
		partitions = defaultMemoryPartitions
	}

	return &MemoryClient{
		partitions: partitions,
		now:        func() time.Time { return time.Now().UTC() },
		topics:     make(map[string]*memoryTopic),
		groups:     make(map[string]*memoryGroup),
		changed:    make(chan struct{}),
	}
}

// SetPublishHook installs a function consulted before each publish. A non-nil
// error fails the publish as a transport error.
func (m *MemoryClient) SetPublishHook(hook func(topic string, key string) error) {
	m.mu.Lock()
	m.publishHook = hook
	m.mu.Unlock()
}

func (m *MemoryClient) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.connected = true
	return nil
}

func (m *MemoryClient) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "publish", Topic: topic, Cause: err}
	}
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("topic name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.publishHook != nil {
		if err := m.publishHook(topic, key); err != nil {
			return &TransportError{Op: "publish", Topic: topic, Cause: err}
		}
	}
	m.connected = true

	t := m.topicLocked(topic)
	partition := m.partitionFor(key)
	value := make([]byte, len(payload))
	copy(value, payload)

	t.partitions[partition] = append(t.partitions[partition], Record{
		Topic:     topic,
		Partition: partition,
		Offset:    int64(len(t.partitions[partition])),
		Key:       []byte(key),
		Value:     value,
		Time:      m.now(),
	})

	m.broadcastLocked()
	return nil
}

func (m *MemoryClient) Subscribe(topic string, groupID string) (Subscription, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("topic name is required")
	}
	if strings.TrimSpace(groupID) == "" {
		return nil, fmt.Errorf("consumer group is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	m.topicLocked(topic)
	key := groupKey(topic, groupID)
	g, ok := m.groups[key]
	if !ok {
		g = &memoryGroup{committed: make(map[int]int64)}
		m.groups[key] = g
	}

	sub := &memorySubscription{
		client:     m,
		topic:      topic,
		group:      g,
		generation: -1,
	}
	g.members = append(g.members, sub)
	g.generation++

	m.broadcastLocked()
	return sub, nil
}

func (m *MemoryClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.broadcastLocked()
	return nil
}

// Records returns a copy of every record published to topic, ordered by
// partition and then offset.
func (m *MemoryClient) Records(topic string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.topics[topic]
	if !ok {
		return nil
	}

	out := make([]Record, 0)
	for _, records := range t.partitions {
		out = append(out, records...)
	}
	return out
}

// Committed returns the next offset group will read from partition of topic.
func (m *MemoryClient) Committed(topic string, groupID string, partition int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupKey(topic, groupID)]
	if !ok {
		return 0
	}
	return g.committed[partition]
}

// PartitionFor reports the partition a key is routed to.
func (m *MemoryClient) PartitionFor(key string) int {
	return m.partitionFor(key)
}

func (m *MemoryClient) partitionFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(m.partitions))
}

func (m *MemoryClient) topicLocked(topic string) *memoryTopic {
	t, ok := m.topics[topic]
	if !ok {
		t = &memoryTopic{partitions: make([][]Record, m.partitions)}
		m.topics[topic] = t
	}
	return t
}

func (m *MemoryClient) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func groupKey(topic string, groupID string) string {
	return topic + "\x00" + groupID
}

type memorySubscription struct {
	client *MemoryClient
	topic  string
	group  *memoryGroup

	generation int
	positions  map[int]int64
	owned      []int
	next       int
	closed     bool
}

func (s *memorySubscription) Fetch(ctx context.Context) (Record, error) {
	for {
		m := s.client
		m.mu.Lock()
		if m.closed || s.closed {
			m.mu.Unlock()
			return Record{}, ErrClosed
		}
		if s.generation != s.group.generation {
			s.rebalanceLocked()
		}

		if record, ok := s.nextLocked(); ok {
			m.mu.Unlock()
			return record, nil
		}

		changed := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-changed:
		}
	}
}

// rebalanceLocked assigns partitions round-robin across group members and
// rewinds to the group's committed offsets.
func (s *memorySubscription) rebalanceLocked() {
	index := -1
	for i, member := range s.group.members {
		if member == s {
			index = i
			break
		}
	}

	s.owned = s.owned[:0]
	s.positions = make(map[int]int64)
	if index >= 0 {
		members := len(s.group.members)
		for p := 0; p < s.client.partitions; p++ {
			if p%members == index {
				s.owned = append(s.owned, p)
				s.positions[p] = s.group.committed[p]
			}
		}
	}
	s.next = 0
	s.generation = s.group.generation
}

func (s *memorySubscription) nextLocked() (Record, bool) {
	t := s.client.topics[s.topic]
	for i := 0; i < len(s.owned); i++ {
		p := s.owned[(s.next+i)%len(s.owned)]
		pos := s.positions[p]
		if pos < int64(len(t.partitions[p])) {
			s.positions[p] = pos + 1
			s.next = (s.next + i + 1) % len(s.owned)
			return t.partitions[p][pos], true
		}
	}
	return Record{}, false
}

func (s *memorySubscription) Commit(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := s.client
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || s.closed {
		return ErrClosed
	}
	if record.Offset+1 > s.group.committed[record.Partition] {
		s.group.committed[record.Partition] = record.Offset + 1
	}
	return nil
}

func (s *memorySubscription) Close() error {
	m := s.client
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	members := s.group.members[:0]
	for _, member := range s.group.members {
		if member != s {
			members = append(members, member)
		}
	}
	s.group.members = members
	s.group.generation++

	if !m.closed {
		m.broadcastLocked()
	}
	return nil
}
