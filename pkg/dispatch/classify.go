package dispatch

// Classify implements the classification table in spec §4.4. The second
// return value is false for the "other -> drop (no-op)" row: the caller
// must not enqueue and must release the reference it was holding on behalf
// of the queue.
func Classify(kind Kind, la Lookahead) (QueueKind, bool) {
	switch kind {
	case KindNFSRequest:
		if la.Mount {
			return QueueMount, true
		}
		if la.HighLatency {
			return QueueHighLatency, true
		}
		return QueueLowLatency, true
	case KindNFSCall:
		return QueueCall, true
	case Kind9PRequest:
		return QueueLowLatency, true
	default:
		return 0, false
	}
}
