package limits

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. The single mutex gives the
// atomicity ConsumeWithin requires; contention is per-store, which is
// acceptable for tests and single-process deploys.
type MemoryStore struct {
	mu            sync.RWMutex
	limits        map[string]*SpendingLimits
	daily         map[string]*counter // key: principal + "|" + day
	monthly       map[string]*counter // key: principal + "|" + month
	merchantRules map[string][]*MerchantRule
	categoryRules map[string][]*CategoryRule
}

type counter struct {
	spent int64
	count int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		limits:        make(map[string]*SpendingLimits),
		daily:         make(map[string]*counter),
		monthly:       make(map[string]*counter),
		merchantRules: make(map[string][]*MerchantRule),
		categoryRules: make(map[string][]*CategoryRule),
	}
}

func (s *MemoryStore) Limits(ctx context.Context, principalID string) (*SpendingLimits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.limits[principalID]; ok {
		val := *l
		return &val, nil
	}
	return DefaultLimits(principalID), nil
}

func (s *MemoryStore) SetLimits(ctx context.Context, l *SpendingLimits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *l
	val.UpdatedAt = time.Now().UTC()
	s.limits[l.PrincipalID] = &val
	return nil
}

func (s *MemoryStore) Usage(ctx context.Context, principalID string, p Period) (*Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usageLocked(principalID, p), nil
}

func (s *MemoryStore) usageLocked(principalID string, p Period) *Usage {
	u := &Usage{PrincipalID: principalID, Period: p}
	if d, ok := s.daily[principalID+"|"+p.Day]; ok {
		u.DailySpent, u.DailyCount = d.spent, d.count
	}
	if m, ok := s.monthly[principalID+"|"+p.Month]; ok {
		u.MonthlySpent, u.MonthlyCount = m.spent, m.count
	}
	return u
}

// ConsumeWithin holds the write lock across check and increment, so two
// concurrent requests that each fit individually but not together can
// never both commit.
func (s *MemoryStore) ConsumeWithin(ctx context.Context, principalID string, p Period, amount, dailyLimit, monthlyLimit int64) (*Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dayKey := principalID + "|" + p.Day
	monthKey := principalID + "|" + p.Month

	d := s.daily[dayKey]
	if d == nil {
		d = &counter{}
	}
	m := s.monthly[monthKey]
	if m == nil {
		m = &counter{}
	}

	if d.spent+amount > dailyLimit {
		return s.usageLocked(principalID, p), ErrDailyLimitExceeded
	}
	if m.spent+amount > monthlyLimit {
		return s.usageLocked(principalID, p), ErrMonthlyLimitExceeded
	}

	d.spent += amount
	d.count++
	m.spent += amount
	m.count++
	s.daily[dayKey] = d
	s.monthly[monthKey] = m

	return s.usageLocked(principalID, p), nil
}

func (s *MemoryStore) MerchantRules(ctx context.Context, principalID string) ([]*MerchantRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := s.merchantRules[principalID]
	out := make([]*MerchantRule, len(rules))
	for i, r := range rules {
		val := *r
		out[i] = &val
	}
	return out, nil
}

func (s *MemoryStore) AddMerchantRule(ctx context.Context, r *MerchantRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *r
	if val.CreatedAt.IsZero() {
		val.CreatedAt = time.Now().UTC()
	}
	s.merchantRules[r.PrincipalID] = append(s.merchantRules[r.PrincipalID], &val)
	return nil
}

func (s *MemoryStore) DeleteMerchantRule(ctx context.Context, principalID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := s.merchantRules[principalID]
	for i, r := range rules {
		if r.ID == id {
			s.merchantRules[principalID] = append(rules[:i], rules[i+1:]...)
			return nil
		}
	}
	return ErrRuleNotFound
}

func (s *MemoryStore) CategoryRules(ctx context.Context, principalID string) ([]*CategoryRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := s.categoryRules[principalID]
	out := make([]*CategoryRule, len(rules))
	for i, r := range rules {
		val := *r
		out[i] = &val
	}
	return out, nil
}

func (s *MemoryStore) AddCategoryRule(ctx context.Context, r *CategoryRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *r
	if val.CreatedAt.IsZero() {
		val.CreatedAt = time.Now().UTC()
	}
	s.categoryRules[r.PrincipalID] = append(s.categoryRules[r.PrincipalID], &val)
	return nil
}

func (s *MemoryStore) DeleteCategoryRule(ctx context.Context, principalID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := s.categoryRules[principalID]
	for i, r := range rules {
		if r.ID == id {
			s.categoryRules[principalID] = append(rules[:i], rules[i+1:]...)
			return nil
		}
	}
	return ErrRuleNotFound
}
