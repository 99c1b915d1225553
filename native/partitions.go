package native

import (
	"strconv"
	"strings"
)

// Offset sentinels, same values as librdkafka.
const (
	OffsetBeginning int64 = -2
	OffsetEnd       int64 = -1
	// OffsetStored starts from the group's committed offset.
	OffsetStored int64 = -1000
	// OffsetInvalid means "do not seek": the engine keeps its own position.
	OffsetInvalid int64 = -1001
)

// OffsetString renders offsets with sentinel names.
func OffsetString(offset int64) string {
	switch offset {
	case OffsetBeginning:
		return "beginning"
	case OffsetEnd:
		return "end"
	case OffsetStored:
		return "stored"
	case OffsetInvalid:
		return "unset"
	default:
		return strconv.FormatInt(offset, 10)
	}
}

// TopicPartition is one entry of a TopicPartitionList.
type TopicPartition struct {
	Topic     string
	Partition int32
	Offset    int64
}

func (tp TopicPartition) String() string {
	return tp.Topic + "[" + strconv.Itoa(int(tp.Partition)) + "]@" + OffsetString(tp.Offset)
}

// PartitionOffset is a partition of a topic with its offset.
type PartitionOffset struct {
	Partition int32
	Offset    int64
}

type topicEntry struct {
	name    string
	order   []int32
	offsets map[int32]int64
}

// TopicPartitionList groups (partition, offset) pairs by topic. Topics keep
// their insertion order; a (topic, partition) pair appears at most once.
//
// The zero value is an empty list ready to use. A list is not safe for
// concurrent mutation.
type TopicPartitionList struct {
	topics []*topicEntry
	index  map[string]*topicEntry
}

func NewTopicPartitionList() *TopicPartitionList {
	return &TopicPartitionList{}
}

// NewTopicPartitionListFrom builds a list from flat entries. Later entries
// overwrite earlier ones for the same pair.
func NewTopicPartitionListFrom(parts ...TopicPartition) *TopicPartitionList {
	l := NewTopicPartitionList()
	for _, p := range parts {
		l.AddOffset(p.Topic, p.Partition, p.Offset)
	}
	return l
}

// Add inserts the pair with OffsetInvalid unless it is already present.
func (l *TopicPartitionList) Add(topic string, partition int32) {
	if _, ok := l.Offset(topic, partition); ok {
		return
	}
	l.AddOffset(topic, partition, OffsetInvalid)
}

// AddOffset inserts the pair or overwrites its offset.
func (l *TopicPartitionList) AddOffset(topic string, partition int32, offset int64) {
	if l.index == nil {
		l.index = make(map[string]*topicEntry)
	}
	t, ok := l.index[topic]
	if !ok {
		t = &topicEntry{name: topic, offsets: make(map[int32]int64)}
		l.index[topic] = t
		l.topics = append(l.topics, t)
	}
	if _, ok := t.offsets[partition]; !ok {
		t.order = append(t.order, partition)
	}
	t.offsets[partition] = offset
}

// Remove drops the pair and reports whether it was present. A topic left
// without partitions disappears from the list.
func (l *TopicPartitionList) Remove(topic string, partition int32) bool {
	t, ok := l.index[topic]
	if !ok {
		return false
	}
	if _, ok := t.offsets[partition]; !ok {
		return false
	}
	delete(t.offsets, partition)
	for i, p := range t.order {
		if p == partition {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if len(t.order) == 0 {
		delete(l.index, topic)
		for i, e := range l.topics {
			if e == t {
				l.topics = append(l.topics[:i], l.topics[i+1:]...)
				break
			}
		}
	}
	return true
}

func (l *TopicPartitionList) Offset(topic string, partition int32) (int64, bool) {
	if l == nil || l.index == nil {
		return 0, false
	}
	t, ok := l.index[topic]
	if !ok {
		return 0, false
	}
	off, ok := t.offsets[partition]
	return off, ok
}

// Len is the number of (topic, partition) pairs.
func (l *TopicPartitionList) Len() int {
	if l == nil {
		return 0
	}
	n := 0
	for _, t := range l.topics {
		n += len(t.order)
	}
	return n
}

func (l *TopicPartitionList) Topics() []string {
	if l == nil {
		return nil
	}
	out := make([]string, 0, len(l.topics))
	for _, t := range l.topics {
		out = append(out, t.name)
	}
	return out
}

// ForEachTopic calls fn for every topic in insertion order. Iteration stops
// when fn returns false.
func (l *TopicPartitionList) ForEachTopic(fn func(topic string, partitions []PartitionOffset) bool) {
	if l == nil {
		return
	}
	for _, t := range l.topics {
		parts := make([]PartitionOffset, 0, len(t.order))
		for _, p := range t.order {
			parts = append(parts, PartitionOffset{Partition: p, Offset: t.offsets[p]})
		}
		if !fn(t.name, parts) {
			return
		}
	}
}

// Partitions flattens the list.
func (l *TopicPartitionList) Partitions() []TopicPartition {
	out := make([]TopicPartition, 0, l.Len())
	l.ForEachTopic(func(topic string, parts []PartitionOffset) bool {
		for _, p := range parts {
			out = append(out, TopicPartition{Topic: topic, Partition: p.Partition, Offset: p.Offset})
		}
		return true
	})
	return out
}

// SetAllOffsets replaces every offset with fn's result.
func (l *TopicPartitionList) SetAllOffsets(fn func(topic string, partition int32, offset int64) int64) {
	if l == nil {
		return
	}
	for _, t := range l.topics {
		for _, p := range t.order {
			t.offsets[p] = fn(t.name, p, t.offsets[p])
		}
	}
}

func (l *TopicPartitionList) Clone() *TopicPartitionList {
	if l == nil {
		return nil
	}
	return NewTopicPartitionListFrom(l.Partitions()...)
}

// Equal compares pairs and offsets, ignoring order.
func (l *TopicPartitionList) Equal(other *TopicPartitionList) bool {
	if l.Len() != other.Len() {
		return false
	}
	for _, tp := range l.Partitions() {
		off, ok := other.Offset(tp.Topic, tp.Partition)
		if !ok || off != tp.Offset {
			return false
		}
	}
	return true
}

func (l *TopicPartitionList) String() string {
	parts := l.Partitions()
	s := make([]string, 0, len(parts))
	for _, p := range parts {
		s = append(s, p.String())
	}
	return "[" + strings.Join(s, " ") + "]"
}
