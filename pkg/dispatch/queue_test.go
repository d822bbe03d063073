package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coriolisfs/nfsdispatch/internal/rpcwire"
)

func testReq() *Req {
	x := NewXprt(FamilyInet4, RoleConnected)
	return NewReq(KindNFSRequest, x, &rpcwire.CallHeader{XID: 1}, nil)
}

// S1: MOUNT classification.
func TestClassify_Mount(t *testing.T) {
	kind, ok := Classify(KindNFSRequest, Lookahead{Mount: true})
	require.True(t, ok)
	assert.Equal(t, QueueMount, kind)
}

// S2: high-latency classification.
func TestClassify_HighLatency(t *testing.T) {
	kind, ok := Classify(KindNFSRequest, Lookahead{HighLatency: true})
	require.True(t, ok)
	assert.Equal(t, QueueHighLatency, kind)
}

func TestClassify_LowLatencyDefault(t *testing.T) {
	kind, ok := Classify(KindNFSRequest, Lookahead{})
	require.True(t, ok)
	assert.Equal(t, QueueLowLatency, kind)
}

func TestClassify_NFSCall(t *testing.T) {
	kind, ok := Classify(KindNFSCall, Lookahead{})
	require.True(t, ok)
	assert.Equal(t, QueueCall, kind)
}

func TestClassify_9PRequest(t *testing.T) {
	kind, ok := Classify(Kind9PRequest, Lookahead{})
	require.True(t, ok)
	assert.Equal(t, QueueLowLatency, kind)
}

func TestClassify_OtherDrops(t *testing.T) {
	_, ok := Classify(KindOther, Lookahead{})
	assert.False(t, ok)
}

// S3: splice moves the whole producer sub-queue onto the consumer in one
// step, preserving insertion order.
func TestMultiQueue_Splice(t *testing.T) {
	mq := NewMultiQueue()
	var reqs []*Req
	for i := 0; i < 5; i++ {
		r := testReq()
		reqs = append(reqs, r)
		mq.enqueue(QueueLowLatency, r)
	}

	pair := mq.pairs[QueueLowLatency]
	assert.Equal(t, 5, pair.producer.size)
	assert.Equal(t, 0, pair.consumer.size)

	first := mq.dequeueOne(QueueLowLatency)
	require.NotNil(t, first)
	assert.Same(t, reqs[0], first)
	assert.Equal(t, 0, pair.producer.size)
	assert.Equal(t, 4, pair.consumer.size)

	second := mq.dequeueOne(QueueLowLatency)
	require.NotNil(t, second)
	assert.Same(t, reqs[1], second)
	assert.Equal(t, 3, pair.consumer.size)
}

// Invariant 1/conservation: every enqueue is eventually matched by one
// dequeue, and enqueued - dequeued equals the sum of queue sizes.
func TestMultiQueue_Conservation(t *testing.T) {
	mq := NewMultiQueue()
	for i := 0; i < 10; i++ {
		mq.enqueue(QueueLowLatency, testReq())
	}
	for i := 0; i < 4; i++ {
		require.NotNil(t, mq.dequeueOne(QueueLowLatency))
	}
	enq, deq, _ := mq.Counters()
	assert.EqualValues(t, 10, enq)
	assert.EqualValues(t, 4, deq)
	assert.Equal(t, int(enq-deq), mq.QueueSize(QueueLowLatency))
}

// The outstanding-estimate sample callback fires with the same value
// Counters() reports, exactly on the 10th dequeue per spec §4.4.
func TestMultiQueue_OnSample(t *testing.T) {
	mq := NewMultiQueue()
	var samples []int64
	mq.SetOnSample(func(v int64) { samples = append(samples, v) })

	for i := 0; i < 15; i++ {
		mq.enqueue(QueueLowLatency, testReq())
	}
	for i := 0; i < 10; i++ {
		require.NotNil(t, mq.dequeueOne(QueueLowLatency))
	}

	require.Len(t, samples, 1, "onSample must fire exactly once across 10 dequeues")
	_, _, outstandingEst := mq.Counters()
	assert.Equal(t, outstandingEst, samples[0])
}

// Invariant 2: no request appears on two queues or twice on one queue.
func TestMultiQueue_NoDuplication(t *testing.T) {
	mq := NewMultiQueue()
	seen := make(map[*Req]bool)
	for i := 0; i < 20; i++ {
		mq.enqueue(QueueHighLatency, testReq())
	}
	for i := 0; i < 20; i++ {
		r := mq.dequeueOne(QueueHighLatency)
		require.NotNil(t, r)
		assert.False(t, seen[r], "request dequeued twice")
		seen[r] = true
	}
	assert.Nil(t, mq.dequeueOne(QueueHighLatency))
}
