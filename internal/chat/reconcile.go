package chat

// Reconcile merges a freshly fetched remote list into the local cache.
//
// The remote list replaces the local one in full. Pending messages survive
// only while they are still in flight, identified by ordinal in the inflight
// set; anything else the remote list has already superseded. Content is never
// compared.
func Reconcile(local, remote []Message, inflight map[int]bool) []Message {
	out := make([]Message, 0, len(remote)+len(inflight))
	for _, m := range remote {
		out = append(out, m.Clone())
	}
	for _, m := range local {
		if m.IsPending() && inflight[m.Ordinal] {
			out = append(out, m.Clone())
		}
	}
	return out
}

// ConfirmPending replaces the pending message with the given ordinal by its
// confirmed form. It returns false when no such message is present.
func ConfirmPending(msgs []Message, ordinal int, remoteID string) bool {
	for i := range msgs {
		if msgs[i].IsPending() && msgs[i].Ordinal == ordinal {
			msgs[i] = msgs[i].Confirm(remoteID)
			return true
		}
	}
	return false
}

// Last returns the newest message of an oldest-first list.
func Last(msgs []Message) (Message, bool) {
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// Tail returns at most n of the newest messages, oldest first.
func Tail(msgs []Message, n int) []Message {
	if n <= 0 {
		return nil
	}
	if len(msgs) <= n {
		return CloneAll(msgs)
	}
	return CloneAll(msgs[len(msgs)-n:])
}
