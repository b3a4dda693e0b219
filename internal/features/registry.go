// Package features holds the static catalogue of switchable bot features and
// the toggle administration surface built on top of it.
package features

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownFeature is returned for names that are not in the registry.
var ErrUnknownFeature = errors.New("unknown feature")

// Descriptor names one feature and describes it for listings.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Registry is an ordered, immutable set of descriptors.
type Registry struct {
	list  []Descriptor
	index map[string]int
}

// NewRegistry builds a registry in the given order. Names must be non-empty
// and unique.
func NewRegistry(ds ...Descriptor) (*Registry, error) {
	r := &Registry{
		list:  make([]Descriptor, 0, len(ds)),
		index: make(map[string]int, len(ds)),
	}
	for _, d := range ds {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return nil, errors.New("features: empty feature name")
		}
		if _, dup := r.index[d.Name]; dup {
			return nil, fmt.Errorf("features: duplicate feature %q", d.Name)
		}
		r.index[d.Name] = len(r.list)
		r.list = append(r.list, d)
	}
	return r, nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	i, ok := r.index[name]
	if !ok {
		return Descriptor{}, false
	}
	return r.list[i], true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.index[name]
	return ok
}

// All returns a copy of the descriptors in registration order.
func (r *Registry) All() []Descriptor {
	return append([]Descriptor(nil), r.list...)
}

// Len returns the number of registered features.
func (r *Registry) Len() int { return len(r.list) }

// Catalogue is the bot's feature list. Features whose behaviour lives in an
// external integration are listed so they can be switched per chat even when
// this process has no handler for them.
var Catalogue = []Descriptor{
	{Name: "fix", Description: "补括号"},
	{Name: "six", Description: "6"},
	{Name: "repeat", Description: "复读机"},
	{Name: "fuck_b23", Description: "去除b站短链跟踪参数"},
	{Name: "guozao", Description: "play的一环"},
	{Name: "hitokoto", Description: "名人名言"},
	{Name: "coin", Description: "获取实时虚拟货币价格"},
	{Name: "id", Description: "获取自己的id"},
	{Name: "today", Description: "历史上的今天"},
	{Name: "wiki", Description: "维基一下"},
	{Name: "short", Description: "生成短链接"},
	{Name: "rate", Description: "查询实时汇率"},
	{Name: "wcloud", Description: "生成词云"},
	{Name: "user_freq", Description: "用户发言统计"},
	{Name: "curl", Description: "curl"},
	{Name: "music", Description: "音乐"},
	{Name: "chat", Description: "Ai聊天"},
	{Name: "translate", Description: "翻译"},
	{Name: "ping", Description: "Ping"},
	{Name: "vv", Description: "vv不削能玩？"},
	{Name: "count", Description: "用户发言统计"},
}

// Default returns a registry over Catalogue.
func Default() *Registry {
	r, err := NewRegistry(Catalogue...)
	if err != nil {
		panic(err)
	}
	return r
}
