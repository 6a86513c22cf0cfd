package virtio

// QueueReady returns true if the queue is ready for processing.
func QueueReady(q *VirtQueue) bool {
	return q != nil && q.Ready && q.Size > 0
}

// DescriptorProcessor processes a single descriptor chain and returns bytes written.
type DescriptorProcessor func(q *VirtQueue, head uint16) (written uint32, err error)

// ProcessQueueNotifications processes every available chain and publishes a
// used entry for each. Returns true if any chain was completed.
func ProcessQueueNotifications(q *VirtQueue, processor DescriptorProcessor) (bool, error) {
	if !QueueReady(q) {
		return false, nil
	}

	var processed bool
	for {
		head, ok, err := q.GetAvailableBuffer()
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}

		written, err := processor(q, head)
		if err != nil {
			return processed, err
		}
		if err := q.PutUsedBuffer(head, written); err != nil {
			return processed, err
		}
		processed = true
	}
}

// DrainAvailable consumes every available chain without completing it and
// returns the heads taken.
func DrainAvailable(q *VirtQueue, heads []uint16) ([]uint16, error) {
	if !QueueReady(q) {
		return heads, nil
	}
	for {
		head, ok, err := q.GetAvailableBuffer()
		if err != nil || !ok {
			return heads, err
		}
		heads = append(heads, head)
	}
}
