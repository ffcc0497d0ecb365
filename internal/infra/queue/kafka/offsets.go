package kafka

import (
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
)

// ackTracker tracks delivered offsets of one partition. The committed offset
// only advances past a message once it and every earlier delivered message
// have been removed, so a crash never skips an unremoved message.
type ackTracker struct {
	outstanding map[int64]struct{}
	highest     int64
	marked      int64
}

func newAckTracker() *ackTracker {
	return &ackTracker{outstanding: make(map[int64]struct{}), highest: -1, marked: -1}
}

func (a *ackTracker) deliver(offset int64) {
	a.outstanding[offset] = struct{}{}
	if offset > a.highest {
		a.highest = offset
	}
}

// ack removes offset from the outstanding set. It returns the next offset to
// commit and whether that offset moved forward.
func (a *ackTracker) ack(offset int64) (int64, bool, error) {
	if _, ok := a.outstanding[offset]; !ok {
		return 0, false, fmt.Errorf("offset %d not outstanding", offset)
	}
	delete(a.outstanding, offset)

	next := a.highest + 1
	for o := range a.outstanding {
		if o < next {
			next = o
		}
	}
	if next <= a.marked {
		return next, false, nil
	}
	a.marked = next
	return next, true, nil
}

// offsetStore reads and commits consumer group offsets per partition.
type offsetStore interface {
	// NextOffset returns the offset to resume from, or sarama.OffsetOldest
	// when the group has not committed anything yet.
	NextOffset(partition int32) (int64, error)
	Mark(partition int32, offset int64) error
	Commit()
	Close() error
}

type saramaOffsets struct {
	topic string
	mgr   sarama.OffsetManager

	mu   sync.Mutex
	poms map[int32]sarama.PartitionOffsetManager
}

func newSaramaOffsets(topic, groupID string, client sarama.Client) (*saramaOffsets, error) {
	mgr, err := sarama.NewOffsetManagerFromClient(groupID, client)
	if err != nil {
		return nil, fmt.Errorf("creating kafka offset manager: %w", err)
	}
	return &saramaOffsets{
		topic: topic,
		mgr:   mgr,
		poms:  make(map[int32]sarama.PartitionOffsetManager),
	}, nil
}

func (s *saramaOffsets) partition(p int32) (sarama.PartitionOffsetManager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pom, ok := s.poms[p]; ok {
		return pom, nil
	}
	pom, err := s.mgr.ManagePartition(s.topic, p)
	if err != nil {
		return nil, fmt.Errorf("failed to manage partition %d: %w", p, err)
	}
	s.poms[p] = pom
	return pom, nil
}

func (s *saramaOffsets) NextOffset(p int32) (int64, error) {
	pom, err := s.partition(p)
	if err != nil {
		return 0, err
	}
	offset, _ := pom.NextOffset()
	return offset, nil
}

func (s *saramaOffsets) Mark(p int32, offset int64) error {
	pom, err := s.partition(p)
	if err != nil {
		return err
	}
	pom.MarkOffset(offset, "")
	return nil
}

func (s *saramaOffsets) Commit() { s.mgr.Commit() }

func (s *saramaOffsets) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, pom := range s.poms {
		if err := pom.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.mgr.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
