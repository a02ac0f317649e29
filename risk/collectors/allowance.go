package collectors

import (
	"context"
	"math/big"

	"github.com/c360studio/forgegate/risk"
)

// maxUint256 is the unlimited-approval sentinel value.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Grant is one outstanding permission grant (token approval) held
// against the subject.
type Grant struct {
	Spender string   `json:"spender"`
	Asset   string   `json:"asset"`
	Amount  *big.Int `json:"amount"`
}

// Unlimited reports whether the grant is the maximum representable value.
func (g Grant) Unlimited() bool {
	return g.Amount != nil && g.Amount.Cmp(maxUint256) == 0
}

// GrantSource lists outstanding grants for a subject. Implementations
// wrap an external indexer or RPC endpoint.
type GrantSource interface {
	Grants(ctx context.Context, subject string) ([]Grant, error)
}

// AllowanceScanner flags unlimited or unusually large outstanding grants.
// An unlimited grant is flagged regardless of what other signals say.
type AllowanceScanner struct {
	source GrantSource

	// LargeGrant is the amount above which a bounded grant is still
	// considered oversized.
	LargeGrant *big.Int
}

// NewAllowanceScanner creates the allowance/grant collector.
func NewAllowanceScanner(source GrantSource) *AllowanceScanner {
	return &AllowanceScanner{
		source:     source,
		LargeGrant: new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil), // 10^24 base units
	}
}

// Name returns the collector identifier.
func (a *AllowanceScanner) Name() string { return risk.CollectorAllowance }

// Assess inspects the subject's outstanding grants.
//
// An unlimited grant always scores at least 80 on this collector's own
// scale, independent of anything else, and carries the label that forces
// the aggregate CRITICAL.
func (a *AllowanceScanner) Assess(ctx context.Context, subject string) (*risk.Signal, error) {
	if a.source == nil {
		return nil, risk.Unavailablef("grant source not configured")
	}
	grants, err := a.source.Grants(ctx, subject)
	if err != nil {
		return nil, risk.Unavailablef("list grants for %s: %v", subject, err)
	}

	signal := &risk.Signal{Confidence: 0.9}
	for _, g := range grants {
		switch {
		case g.Unlimited():
			if signal.Score < 80 {
				signal.Score = 80
			}
			signal.Labels = append(signal.Labels, "unlimited-approval-confirmed")
			signal.Confidence = 1.0
		case a.LargeGrant != nil && g.Amount != nil && g.Amount.Cmp(a.LargeGrant) > 0:
			if signal.Score < 60 {
				signal.Score = 60
			}
			signal.Labels = append(signal.Labels, "oversized-approval")
		}
	}
	return signal, nil
}
