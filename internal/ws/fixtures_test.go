package ws

import (
	"context"
	"sync"

	"github.com/parley/chat-app/internal/chat"
	"github.com/parley/chat-app/internal/ratelimit"
)

type nopBroker struct{}

func (nopBroker) Subscribe(string) error   { return nil }
func (nopBroker) Unsubscribe(string) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(string, []byte) error { return nil }

type nopAppender struct{}

func (nopAppender) Append(chat.Event) error { return nil }

// quotaLimiter allows the first quota calls per rule key and identifier.
type quotaLimiter struct {
	mu     sync.Mutex
	quota  map[string]int
	counts map[string]int
}

func newQuotaLimiter(quota map[string]int) *quotaLimiter {
	return &quotaLimiter{quota: quota, counts: make(map[string]int)}
}

func (l *quotaLimiter) Allow(_ context.Context, identifier string, rule ratelimit.Rule) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit, ok := l.quota[rule.Key]
	if !ok {
		return true, nil
	}
	l.counts[rule.Key+identifier]++
	return l.counts[rule.Key+identifier] <= limit, nil
}

// calls returns how many times identifier was checked against the rule key.
func (l *quotaLimiter) calls(key, identifier string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[key+identifier]
}
