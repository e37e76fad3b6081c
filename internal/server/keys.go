package server

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const keysMemoKey = "keys"

// keyMemo 短暂缓存 key 列表：每次列举都要打开所有条目。
type keyMemo struct {
	memo *gocache.Cache
}

func newKeyMemo(ttl time.Duration) *keyMemo {
	return &keyMemo{memo: gocache.New(ttl, 2*ttl)}
}

// get 返回缓存的列表，未命中时加载。
func (m *keyMemo) get(ctx context.Context, load func(context.Context) ([]string, error)) ([]string, bool, error) {
	if cached, ok := m.memo.Get(keysMemoKey); ok {
		if keys, ok := cached.([]string); ok {
			return keys, true, nil
		}
	}
	keys, err := load(ctx)
	if err != nil {
		return nil, false, err
	}
	if keys == nil {
		keys = []string{}
	}
	m.memo.SetDefault(keysMemoKey, keys)
	return keys, false, nil
}

// invalidate 在写入或 doom 之后丢弃列表。
func (m *keyMemo) invalidate() {
	m.memo.Delete(keysMemoKey)
}
