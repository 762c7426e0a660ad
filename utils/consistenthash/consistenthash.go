package consistenthash

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/twmb/murmur3"
)

// Hash 定义哈希函数接口
type Hash func(data []byte) uint32

// Ring 一致性哈希环，用于把频道分摊到集群节点上做清扫
type Ring struct {
	mu       sync.RWMutex
	hash     Hash
	replicas int                 // 每单位权重的虚拟节点数量
	keys     []uint32            // 排序的哈希环位置
	hashMap  map[uint32]string   // 哈希值到节点的映射
	nodes    map[string][]uint32 // 真实节点及其占用的环位置
}

// New 创建一个新的一致性哈希环
// replicas: 权重为 1 的节点对应的虚拟节点数量
// fn: 自定义哈希函数，如果为 nil 则使用 murmur3
func New(replicas int, fn Hash) *Ring {
	r := &Ring{
		replicas: replicas,
		hash:     fn,
		hashMap:  make(map[uint32]string),
		nodes:    make(map[string][]uint32),
	}
	if r.hash == nil {
		r.hash = murmur3.Sum32
	}
	if r.replicas <= 0 {
		r.replicas = 50 // 默认虚拟节点数
	}
	return r
}

// NewWeighted 按 gateway.nodes 配置 (节点 -> 权重) 建环
func NewWeighted(replicas int, weights map[string]int) *Ring {
	r := New(replicas, nil)
	for node, weight := range weights {
		r.AddWeighted(node, weight)
	}
	return r
}

// Add 以权重 1 添加节点
func (r *Ring) Add(nodes ...string) {
	for _, node := range nodes {
		r.AddWeighted(node, 1)
	}
}

// AddWeighted 添加节点，虚拟节点数为 replicas*weight；已存在的节点不变
func (r *Ring) AddWeighted(node string, weight int) {
	if node == "" {
		return
	}
	if weight <= 0 {
		weight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[node]; ok {
		return
	}

	var owned []uint32
	for i := 0; i < r.replicas*weight; i++ {
		hash := r.hash([]byte(fmt.Sprintf("%s#%d", node, i)))
		// 环位置冲突时先到者保留
		if _, taken := r.hashMap[hash]; taken {
			continue
		}
		r.hashMap[hash] = node
		r.keys = append(r.keys, hash)
		owned = append(owned, hash)
	}
	r.nodes[node] = owned
	slices.Sort(r.keys)
}

// Remove 从哈希环中移除节点
func (r *Ring) Remove(nodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range nodes {
		owned, ok := r.nodes[node]
		if !ok {
			continue
		}
		delete(r.nodes, node)
		for _, hash := range owned {
			delete(r.hashMap, hash)
		}
	}

	r.keys = r.keys[:0]
	for k := range r.hashMap {
		r.keys = append(r.keys, k)
	}
	slices.Sort(r.keys)
}

// Get 根据键获取对应的节点
// 返回顺时针方向最近的节点
func (r *Ring) Get(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 {
		return ""
	}

	hash := r.hash([]byte(key))
	idx := sort.Search(len(r.keys), func(i int) bool {
		return r.keys[i] >= hash
	})
	if idx == len(r.keys) {
		idx = 0
	}
	return r.hashMap[r.keys[idx]]
}

// Owns reports whether key lands on node. An empty ring owns nothing.
func (r *Ring) Owns(node, key string) bool {
	return node != "" && r.Get(key) == node
}

// Nodes 返回排序后的真实节点列表
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]string, 0, len(r.nodes))
	for node := range r.nodes {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	return nodes
}

func (r *Ring) IsEmpty() bool {
	return r.Size() == 0
}

// Size 返回真实节点数量
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.nodes)
}
