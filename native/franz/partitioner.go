package franz

import "github.com/twmb/franz-go/pkg/kgo"

// partitioner honours an explicit record partition and falls back to kgo's
// default sticky key partitioner for records with a negative partition.
type partitioner struct {
	fallback kgo.Partitioner
}

func newPartitioner() kgo.Partitioner {
	return partitioner{fallback: kgo.StickyKeyPartitioner(nil)}
}

func (p partitioner) ForTopic(topic string) kgo.TopicPartitioner {
	return topicPartitioner{fallback: p.fallback.ForTopic(topic)}
}

type topicPartitioner struct {
	fallback kgo.TopicPartitioner
}

func (t topicPartitioner) RequiresConsistency(r *kgo.Record) bool {
	return r.Partition >= 0 || t.fallback.RequiresConsistency(r)
}

func (t topicPartitioner) Partition(r *kgo.Record, n int) int {
	if r.Partition >= 0 && int(r.Partition) < n {
		return int(r.Partition)
	}
	return t.fallback.Partition(r, n)
}
