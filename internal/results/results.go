package results

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/allaspectsdev/paf/internal/family"
)

// Outcome is the most recent probe or credential-test result for one
// endpoint, surfaced to the dashboard as the last_results map.
type Outcome struct {
	Success         bool      `json:"success"`
	StatusCode      int       `json:"status_code"`
	DurationMs      int64     `json:"duration_ms"`
	Message         string    `json:"message,omitempty"`
	ResponsePreview string    `json:"response_preview,omitempty"`
	CompletedAt     time.Time `json:"completed_at"`
	Source          string    `json:"source"` // "probe", "test", "request"
	Method          string    `json:"method"`
	Path            string    `json:"path"`
}

// Cache keeps the latest outcome per endpoint, bounded so that endpoints
// deleted long ago eventually fall out.
type Cache struct {
	lru *lru.Cache[string, Outcome]
}

// NewCache creates a Cache holding up to size entries.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = 128
	}
	l, err := lru.New[string, Outcome](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

func cacheKey(svc family.Service, name string) string {
	return string(svc) + "/" + name
}

// Record stores the latest outcome for the endpoint.
func (c *Cache) Record(svc family.Service, name string, o Outcome) {
	c.lru.Add(cacheKey(svc, name), o)
}

// Get returns the latest outcome for the endpoint.
func (c *Cache) Get(svc family.Service, name string) (Outcome, bool) {
	return c.lru.Get(cacheKey(svc, name))
}

// ForService returns every cached outcome for the service, keyed by
// endpoint name.
func (c *Cache) ForService(svc family.Service) map[string]Outcome {
	prefix := string(svc) + "/"
	out := make(map[string]Outcome)
	for _, k := range c.lru.Keys() {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			if o, ok := c.lru.Peek(k); ok {
				out[k[len(prefix):]] = o
			}
		}
	}
	return out
}

// Forget drops the cached outcome for the endpoint, used after deletion.
func (c *Cache) Forget(svc family.Service, name string) {
	c.lru.Remove(cacheKey(svc, name))
}
