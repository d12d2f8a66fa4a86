package middleware

import (
	"strings"
	"sync"
)

// LastValues 按实体缓存最近一次上报的属性值，供表达式引用本次未携带的属性
type LastValues struct {
	mu     sync.RWMutex
	values map[string]map[string]any
}

func NewLastValues() *LastValues {
	return &LastValues{values: make(map[string]map[string]any)}
}

// Key service 不区分大小写
func Key(service, subservice, entityID string) string {
	return strings.ToLower(service) + "|" + subservice + "|" + entityID
}

// Get 返回缓存副本
func (l *LastValues) Get(key string) map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]any, len(l.values[key]))
	for k, v := range l.values[key] {
		out[k] = v
	}
	return out
}

// Merge 覆盖写入本次的属性值
func (l *LastValues) Merge(key string, values map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.values[key]
	if !ok {
		current = make(map[string]any, len(values))
		l.values[key] = current
	}
	for k, v := range values {
		current[k] = v
	}
}

// Forget 设备删除时清理
func (l *LastValues) Forget(key string) {
	l.mu.Lock()
	delete(l.values, key)
	l.mu.Unlock()
}
