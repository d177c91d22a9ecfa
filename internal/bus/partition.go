package bus

import "hash/fnv"

// PartitionFor maps a user id onto a stable partition index. All messages
// for one user land on the same partition so a single consumer processes
// them in arrival order.
func PartitionFor(userID string, partitions int) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(partitions))
}
