package tokenpool

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/hydrangea-dev/grok-gateway/internal/storage/pg"
)

var ErrNoTokenAvailable = errors.New("no usable token in pool")

// TokenSource lists the credential pool. *pg.TokenStore satisfies it.
type TokenSource interface {
	List(ctx context.Context) ([]pg.PoolToken, error)
}

// RequiredTier maps a requested model to the token tier that can serve it.
// Heavy model variants need super accounts; everything else runs on basic.
func RequiredTier(model string) string {
	m := strings.ToLower(model)
	if strings.Contains(m, "heavy") || strings.Contains(m, "super") {
		return pg.TierSuper
	}
	return pg.TierBasic
}

// Pool hands out pool tokens round-robin per tier. Selection is a thin
// lookup: enabled tokens of the required tier, rotated so load spreads
// across accounts. Super tokens also serve basic requests when no basic
// token exists.
type Pool struct {
	source TokenSource

	mu   sync.Mutex
	next map[string]int
}

func NewPool(source TokenSource) *Pool {
	return &Pool{source: source, next: make(map[string]int)}
}

// Pick returns the next usable token for the model's tier.
func (p *Pool) Pick(ctx context.Context, model string) (*pg.PoolToken, error) {
	tokens, err := p.source.List(ctx)
	if err != nil {
		return nil, err
	}
	tier := RequiredTier(model)

	candidates := filter(tokens, tier)
	if len(candidates) == 0 && tier == pg.TierBasic {
		candidates = filter(tokens, pg.TierSuper)
	}
	if len(candidates) == 0 {
		return nil, ErrNoTokenAvailable
	}

	p.mu.Lock()
	idx := p.next[tier] % len(candidates)
	p.next[tier]++
	p.mu.Unlock()

	picked := candidates[idx]
	return &picked, nil
}

func filter(tokens []pg.PoolToken, tier string) []pg.PoolToken {
	var out []pg.PoolToken
	for _, t := range tokens {
		if !t.Disabled && t.Tier == tier {
			out = append(out, t)
		}
	}
	return out
}

// Suffix returns the trailing characters of a token for log and stats
// display without exposing the credential.
func Suffix(token string) string {
	const n = 6
	if len(token) <= n {
		return token
	}
	return token[len(token)-n:]
}
