package memory

import (
	"context"
	"sync"

	"github.com/seoscope/pagestore/internal/pages"
)

// PolicyStore is an in-memory pages.PolicyStore. Accounts not explicitly
// registered receive the configured defaults; when AllowUnknown is false a
// missing account is a configuration error.
type PolicyStore struct {
	mu           sync.RWMutex
	policies     map[string]pages.AccountPolicy
	defaults     pages.AccountPolicy
	allowUnknown bool
}

// NewPolicyStore constructs a PolicyStore with the given defaults.
func NewPolicyStore(defaults pages.AccountPolicy, allowUnknown bool) *PolicyStore {
	return &PolicyStore{
		policies:     make(map[string]pages.AccountPolicy),
		defaults:     defaults,
		allowUnknown: allowUnknown,
	}
}

// Set registers or replaces the policy for an account.
func (s *PolicyStore) Set(policy pages.AccountPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.AccountID] = policy
}

// Policy resolves the policy for an account, falling back to the defaults.
func (s *PolicyStore) Policy(_ context.Context, accountID string) (pages.AccountPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if policy, ok := s.policies[accountID]; ok {
		return withDefaults(policy, s.defaults), nil
	}
	if !s.allowUnknown {
		return pages.AccountPolicy{}, pages.ErrAccountNotFound
	}
	policy := s.defaults
	policy.AccountID = accountID
	return policy, nil
}

func withDefaults(policy, defaults pages.AccountPolicy) pages.AccountPolicy {
	if policy.MaxAgeHours <= 0 {
		policy.MaxAgeHours = defaults.MaxAgeHours
	}
	if policy.MaxSnapshotsPerURL <= 0 {
		policy.MaxSnapshotsPerURL = defaults.MaxSnapshotsPerURL
	}
	if policy.MaxRetriesPerURL <= 0 {
		policy.MaxRetriesPerURL = defaults.MaxRetriesPerURL
	}
	return policy
}
