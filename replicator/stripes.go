package replicator

import (
	"hash/fnv"
	"sync"
)

// stripedLocks 按账户名哈希到固定条带的互斥锁。
// 同一跟单账户的下单序列持锁推进，保证先到先发；
// 不同账户大概率落在不同条带上互不阻塞。
type stripedLocks struct {
	stripes []sync.Mutex
}

func newStripedLocks(n int) *stripedLocks {
	if n < 256 {
		n = 256
	}
	return &stripedLocks{stripes: make([]sync.Mutex, n)}
}

func (s *stripedLocks) forAccount(account string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(account))
	return &s.stripes[h.Sum32()%uint32(len(s.stripes))]
}
