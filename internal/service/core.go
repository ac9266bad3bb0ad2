package service

import (
	"github.com/punchamoorthee/payflow/internal/config"
	"github.com/punchamoorthee/payflow/internal/store"
)

// Core bundles the settlement services over one store.
type Core struct {
	Ledger     *Ledger
	Matcher    *Matcher
	Settlement *Settlement
	Tokens     *Tokens
	Claims     *Claims
	Scheduler  *Scheduler
}

func New(s *store.Store, policy config.Policy, claimKey string, opts ...Option) *Core {
	st := newSettings(opts)
	ledger := NewLedger(s, policy, opts...)
	matcher := NewMatcher(s, ledger, policy, opts...)
	settlement := NewSettlement(s, ledger, policy, opts...)
	tokens := NewTokens(claimKey, policy.ClaimTTL, st.clock)
	return &Core{
		Ledger:     ledger,
		Matcher:    matcher,
		Settlement: settlement,
		Tokens:     tokens,
		Claims:     NewClaims(s, ledger, tokens, policy.ClaimInFlightTimeout, opts...),
		Scheduler:  NewScheduler(s, settlement, matcher, policy, opts...),
	}
}
