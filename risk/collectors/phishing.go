package collectors

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/forgegate/risk"
)

// CertInfoFn returns the certificate issuance time for a host. nil or an
// error skips the certificate-age heuristic.
type CertInfoFn func(ctx context.Context, host string) (time.Time, error)

// PhishingHeuristic scores URL-shaped subjects by lexical similarity to
// a known-good allowlist and certificate-age heuristics. Non-URL
// subjects report the collector unavailable rather than scoring zero.
type PhishingHeuristic struct {
	// Allowlist holds known-good domain patterns, doublestar globs
	// (e.g. "*.example.org").
	Allowlist []string

	// CertInfo optionally resolves certificate issuance times.
	CertInfo CertInfoFn

	// YoungCertAge is the age under which a certificate is suspicious.
	YoungCertAge time.Duration
}

// NewPhishingHeuristic creates the phishing/domain collector.
func NewPhishingHeuristic(allowlist []string, certInfo CertInfoFn) *PhishingHeuristic {
	return &PhishingHeuristic{
		Allowlist:    allowlist,
		CertInfo:     certInfo,
		YoungCertAge: 30 * 24 * time.Hour,
	}
}

// Name returns the collector identifier.
func (p *PhishingHeuristic) Name() string { return risk.CollectorPhishing }

// Assess scores the subject's host. Only URL-shaped subjects apply.
func (p *PhishingHeuristic) Assess(ctx context.Context, subject string) (*risk.Signal, error) {
	host := extractHost(subject)
	if host == "" {
		return nil, risk.Unavailablef("subject is not URL-shaped")
	}

	signal := &risk.Signal{Confidence: 0.7}

	// Exact allowlist match is a clean pass.
	for _, pattern := range p.Allowlist {
		if ok, _ := doublestar.Match(pattern, host); ok {
			signal.Labels = append(signal.Labels, "allowlisted")
			signal.Confidence = 0.95
			return signal, nil
		}
	}

	// Typosquatting distance against the allowlist's concrete domains.
	if d, target := p.closestAllowed(host); target != "" && d > 0 && d <= 2 {
		signal.Score = 85
		signal.Labels = append(signal.Labels, "typosquat")
		signal.Confidence = 0.85
	}

	if strings.HasPrefix(host, "xn--") || strings.Contains(host, ".xn--") {
		signal.Score = max(signal.Score, 70)
		signal.Labels = append(signal.Labels, "punycode-host")
	}
	if strings.Count(host, "-") >= 3 {
		signal.Score = max(signal.Score, 50)
		signal.Labels = append(signal.Labels, "hyphenated-host")
	}

	if p.CertInfo != nil {
		if issued, err := p.CertInfo(ctx, host); err == nil {
			if time.Since(issued) < p.YoungCertAge {
				signal.Score = max(signal.Score, 55)
				signal.Labels = append(signal.Labels, "young-certificate")
			}
		}
	}
	return signal, nil
}

// closestAllowed returns the minimum edit distance between the host and
// any non-glob allowlist entry, with the entry it was closest to.
func (p *PhishingHeuristic) closestAllowed(host string) (int, string) {
	best, target := -1, ""
	for _, pattern := range p.Allowlist {
		if strings.ContainsAny(pattern, "*?[") {
			continue
		}
		d := editDistance(host, pattern)
		if best < 0 || d < best {
			best, target = d, pattern
		}
	}
	return best, target
}

// extractHost pulls the hostname out of a URL-shaped subject.
func extractHost(subject string) string {
	if !strings.Contains(subject, "://") && !strings.HasPrefix(subject, "//") {
		if !strings.Contains(subject, ".") || strings.ContainsAny(subject, " \t") {
			return ""
		}
		subject = "https://" + subject
	}
	u, err := url.Parse(subject)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// editDistance is the Levenshtein distance between two strings.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
