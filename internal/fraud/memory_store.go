package fraud

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryProfileStore is an in-memory ProfileStore for demo/test use.
type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]*BehaviorProfile
}

// NewMemoryProfileStore creates an in-memory profile store.
func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{profiles: make(map[string]*BehaviorProfile)}
}

func (s *MemoryProfileStore) GetProfile(_ context.Context, userID string) (*BehaviorProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryProfileStore) PutProfile(_ context.Context, profile *BehaviorProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.UserID] = profile.Clone()
	return nil
}

// MemoryAlertStore is an in-memory AlertStore.
type MemoryAlertStore struct {
	mu     sync.RWMutex
	alerts map[string]*FraudAlert
	order  []string // insertion order
}

// NewMemoryAlertStore creates an in-memory alert store.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{alerts: make(map[string]*FraudAlert)}
}

func (s *MemoryAlertStore) InsertAlert(_ context.Context, alert *FraudAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[alert.ID]; exists {
		return nil // retried insert
	}
	s.alerts[alert.ID] = copyAlert(alert)
	s.order = append(s.order, alert.ID)
	return nil
}

func (s *MemoryAlertStore) GetAlert(_ context.Context, id string) (*FraudAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return copyAlert(a), nil
}

func (s *MemoryAlertStore) ListAlerts(_ context.Context, filter AlertFilter) ([]*FraudAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*FraudAlert
	for i := len(s.order) - 1; i >= 0; i-- {
		a := s.alerts[s.order[i]]
		if !filter.Matches(a) {
			continue
		}
		result = append(result, copyAlert(a))
	}
	slices.SortFunc(result, func(a, b *FraudAlert) int {
		return -compareAlerts(a, b.CreatedAt, b.ID)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryAlertStore) UpdateAlert(_ context.Context, id string, upd AlertUpdate) (*FraudAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	if a.IsResolved {
		return copyAlert(a), nil
	}
	at := upd.ResolvedAt
	a.IsResolved = true
	a.ResolvedBy = upd.ResolvedBy
	a.ResolvedAt = &at
	return copyAlert(a), nil
}

func copyAlert(a *FraudAlert) *FraudAlert {
	c := *a
	c.Details = maps.Clone(a.Details)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

const (
	historyRetention   = 30 * 24 * time.Hour
	maxHistoryPerKey   = 2000
	historyIndexByUser = "u:"
	historyIndexByIP   = "ip:"
)

// MemoryHistoryStore keeps sliding windows of recent events per user and per IP.
type MemoryHistoryStore struct {
	windows sync.Map // map[string]*eventWindow
}

type eventWindow struct {
	mu      sync.Mutex
	entries []*ActivityEvent
	newest  time.Time
	dead    bool // removed from the map by PruneHistory
}

// NewMemoryHistoryStore creates an in-memory history store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{}
}

func (s *MemoryHistoryStore) RecordEvent(_ context.Context, event *ActivityEvent) error {
	e := *event
	s.append(historyIndexByUser+e.UserID, &e)
	if e.IPAddress != "" {
		s.append(historyIndexByIP+e.IPAddress, &e)
	}
	return nil
}

func (s *MemoryHistoryStore) RecentByUser(_ context.Context, userID string, since time.Time) ([]*ActivityEvent, error) {
	return s.since(historyIndexByUser+userID, since), nil
}

func (s *MemoryHistoryStore) RecentByIP(_ context.Context, ip string, since time.Time) ([]*ActivityEvent, error) {
	if ip == "" {
		return nil, nil
	}
	return s.since(historyIndexByIP+ip, since), nil
}

// PruneHistory drops events older than before and forgets empty windows.
func (s *MemoryHistoryStore) PruneHistory(_ context.Context, before time.Time) (int64, error) {
	var removed int64
	s.windows.Range(func(k, v any) bool {
		w := v.(*eventWindow)
		w.mu.Lock()
		kept := w.entries[:0]
		for _, entry := range w.entries {
			if entry.Timestamp.Before(before) {
				if strings.HasPrefix(k.(string), historyIndexByUser) {
					removed++
				}
				continue
			}
			kept = append(kept, entry)
		}
		clear(w.entries[len(kept):])
		w.entries = kept
		if len(kept) == 0 {
			w.dead = true
			s.windows.CompareAndDelete(k, v)
		}
		w.mu.Unlock()
		return true
	})
	return removed, nil
}

func (s *MemoryHistoryStore) window(key string) *eventWindow {
	v, _ := s.windows.LoadOrStore(key, &eventWindow{})
	return v.(*eventWindow)
}

func (s *MemoryHistoryStore) append(key string, e *ActivityEvent) {
	w := s.window(key)
	w.mu.Lock()
	for w.dead {
		w.mu.Unlock()
		w = s.window(key)
		w.mu.Lock()
	}
	defer w.mu.Unlock()

	w.entries = append(w.entries, e)
	if e.Timestamp.After(w.newest) {
		w.newest = e.Timestamp
	}

	// Prune relative to the newest event so replays of old streams keep their context.
	cutoff := w.newest.Add(-historyRetention)
	kept := w.entries[:0]
	for _, entry := range w.entries {
		if !entry.Timestamp.Before(cutoff) {
			kept = append(kept, entry)
		}
	}
	w.entries = kept
	if len(w.entries) > maxHistoryPerKey {
		w.entries = slices.Clone(w.entries[len(w.entries)-maxHistoryPerKey:])
	}
}

// since returns copies of entries at or after since, newest first.
func (s *MemoryHistoryStore) since(key string, since time.Time) []*ActivityEvent {
	v, ok := s.windows.Load(key)
	if !ok {
		return nil
	}
	w := v.(*eventWindow)
	w.mu.Lock()
	result := make([]*ActivityEvent, 0, len(w.entries))
	for i := len(w.entries) - 1; i >= 0; i-- {
		if entry := w.entries[i]; !entry.Timestamp.Before(since) {
			c := *entry
			result = append(result, &c)
		}
	}
	w.mu.Unlock()

	slices.SortStableFunc(result, func(a, b *ActivityEvent) int {
		return cmp.Compare(b.Timestamp.UnixNano(), a.Timestamp.UnixNano())
	})
	return result
}
