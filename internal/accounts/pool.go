// Package accounts implements the account pool and rate-limit scheduler
// (§4.4), directly grounded in original_source/daemon/src/account/mod.rs.
package accounts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clawd-io/clawd/internal/bus"
	"github.com/clawd-io/clawd/internal/config"
	"github.com/clawd-io/clawd/internal/store"
)

// PickHint narrows account selection to a specific provider.
type PickHint struct {
	Provider string // empty = no preference
}

// Pool is the account pool registry: selection, rate-limit tracking, and
// the free/paid auto-switch split described in spec.md §4.4.
type Pool struct {
	db  *store.Store
	bus bus.EventPublisher
}

// NewPool constructs a Pool.
func NewPool(db *store.Store, publisher bus.EventPublisher) *Pool {
	return &Pool{db: db, bus: publisher}
}

// PickAccount selects the best available account for a new session:
// not currently rate-limited, matching hint.Provider if given, lowest
// priority number wins, ties broken by insertion order (the store's
// ListAccounts already orders by priority ASC, rowid ASC).
func (p *Pool) PickAccount(ctx context.Context, hint PickHint) (*store.AccountRow, error) {
	rows, err := p.db.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	now := time.Now().UTC()
	for _, a := range rows {
		if a.IsLimited(now) {
			continue
		}
		if hint.Provider != "" && a.Provider != hint.Provider {
			continue
		}
		return a, nil
	}
	return nil, nil
}

// MarkLimited records a cooldown on account_id and broadcasts the
// appropriate event for the configured license tier: with AutoSwitch
// enabled, session.accountSwitched carrying the limited account's id;
// otherwise session.accountLimited, a manual-switch prompt. It does not
// pick a replacement account or rebind the session to one.
func (p *Pool) MarkLimited(ctx context.Context, accountID, sessionID string, cooldownMinutes int, license config.LicenseConfig) error {
	until := time.Now().UTC().Add(time.Duration(cooldownMinutes) * time.Minute)
	if err := p.db.SetAccountLimited(ctx, accountID, until.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("mark account limited: %w", err)
	}

	if license.AutoSwitch {
		p.bus.Broadcast(bus.Event{
			Name: "session.accountSwitched",
			Payload: map[string]interface{}{
				"sessionId": sessionID,
				"accountId": accountID,
				"reason":    "rate_limited",
			},
		})
	} else {
		p.bus.Broadcast(bus.Event{
			Name: "session.accountLimited",
			Payload: map[string]interface{}{
				"sessionId":          sessionID,
				"accountId":          accountID,
				"requiresManualSwitch": true,
				"limitedUntil":       until.Format(time.RFC3339Nano),
			},
		})
	}
	return nil
}

// ClearLimit lifts an account's rate-limit cooldown.
func (p *Pool) ClearLimit(ctx context.Context, accountID string) error {
	return p.db.SetAccountLimited(ctx, accountID, "")
}

// CheckAccountLimit enforces the configured max-accounts cap. maxAccounts
// == 0 means unlimited.
func (p *Pool) CheckAccountLimit(ctx context.Context, maxAccounts int) error {
	if maxAccounts == 0 {
		return nil
	}
	rows, err := p.db.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	if len(rows) >= maxAccounts {
		return fmt.Errorf("account limit reached (%d max) — remove an existing account before adding a new one", maxAccounts)
	}
	return nil
}

// CountAvailableAccounts counts accounts for provider (or all providers, if
// empty) that are not currently rate-limited. Used by daemon.providers.
func (p *Pool) CountAvailableAccounts(ctx context.Context, provider string) int {
	rows, err := p.db.ListAccounts(ctx)
	if err != nil {
		return 0
	}
	now := time.Now().UTC()
	count := 0
	for _, a := range rows {
		if provider != "" && a.Provider != provider {
			continue
		}
		if a.IsLimited(now) {
			continue
		}
		count++
	}
	return count
}

// DetectLimitSignal scans provider CLI output for a rate-limit signal,
// returning the suggested cooldown in minutes. Patterns are tried in
// confidence order — structured error codes first, then provider-specific
// phrasing — to avoid false positives like a bare "429" in unrelated
// output.
func DetectLimitSignal(output string) (int, bool) {
	lower := strings.ToLower(output)

	switch {
	case strings.Contains(lower, `"type":"rate_limit_error"`),
		strings.Contains(lower, `"type": "rate_limit_error"`),
		strings.Contains(lower, `"error_type":"rate_limit"`):
		return 60, true

	case strings.Contains(lower, "status: 429"),
		strings.Contains(lower, `status":429`),
		strings.Contains(lower, `status": 429`),
		strings.Contains(lower, "http 429"),
		strings.Contains(lower, "statuscode: 429"):
		return 60, true

	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "rate_limit"):
		return 60, true

	case strings.Contains(lower, "too many requests"):
		return 60, true

	case strings.Contains(lower, "quota exceeded"), strings.Contains(lower, "usage limit"):
		return 240, true

	case strings.Contains(lower, "overloaded") && strings.Contains(lower, "capacity"):
		return 15, true
	}

	return 0, false
}
