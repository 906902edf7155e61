package session

import (
	"net/netip"
	"strings"
)

// BindingContext is the request-time principal fingerprint compared
// against a session's stored values during refresh (spec.md §4.3 step 5).
type BindingContext struct {
	IPAddress string
	UserAgent string
	DeviceID  *string
}

// riskScore computes the Zero-Trust binding risk score described in
// spec.md §4.3 step 5. Higher is riskier; refresh is rejected once the
// total reaches Config.BindingRiskThreshold (default 100).
func riskScore(stored Session, presented BindingContext, strictIP bool) int {
	score := 0

	if stored.IPAddress != nil && presented.IPAddress != "" {
		score += ipRisk(*stored.IPAddress, presented.IPAddress, strictIP)
	}

	if stored.UserAgent != nil && presented.UserAgent != "" {
		score += uaRisk(*stored.UserAgent, presented.UserAgent)
	}

	if stored.DeviceID != nil && presented.DeviceID != nil && *presented.DeviceID != stored.DeviceID.String() {
		score += 40
	}

	return score
}

// ipRisk scores an IP address change. IPv4: /24 subnet change is +30,
// or +50 in strict mode for any mismatch at all. IPv6: the equivalent
// granularity is a /64 prefix (spec.md §9's "binding's IPv6
// normalization" open question — this module fixes the contract at
// /64 prefix equality after netip normalization).
func ipRisk(storedIP, presentedIP string, strict bool) int {
	a, errA := netip.ParseAddr(storedIP)
	b, errB := netip.ParseAddr(presentedIP)
	if errA != nil || errB != nil {
		// Unparseable addresses can't be compared meaningfully; treat as
		// a full mismatch rather than silently granting trust.
		if storedIP == presentedIP {
			return 0
		}
		return 50
	}
	a = a.Unmap()
	b = b.Unmap()

	if a == b {
		return 0
	}
	if strict {
		return 50
	}

	if a.Is4() && b.Is4() {
		if samePrefix(a, b, 24) {
			return 0
		}
		return 30
	}
	if a.Is6() && b.Is6() {
		if samePrefix(a, b, 64) {
			return 0
		}
		return 30
	}
	// Address family changed (v4 <-> v6): always a mismatch.
	return 30
}

func samePrefix(a, b netip.Addr, bits int) bool {
	pa, err := a.Prefix(bits)
	if err != nil {
		return false
	}
	return pa.Contains(b)
}

// uaRisk scores a user-agent change by Jaccard similarity over
// whitespace-delimited tokens: <0.95 similarity is +10, <0.8 is +30.
func uaRisk(storedUA, presentedUA string) int {
	if storedUA == presentedUA {
		return 0
	}
	sim := jaccardSimilarity(storedUA, presentedUA)
	switch {
	case sim < 0.8:
		return 30
	case sim < 0.95:
		return 10
	default:
		return 0
	}
}

func jaccardSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}

	intersection := 0
	union := map[string]struct{}{}
	for t := range setA {
		union[t] = struct{}{}
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	for t := range setB {
		union[t] = struct{}{}
	}
	if len(union) == 0 {
		return 1
	}
	return float64(intersection) / float64(len(union))
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
