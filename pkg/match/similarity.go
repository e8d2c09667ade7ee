package match

import "strings"

// intersectionCount returns |a ∩ b|, iterating the smaller set so the cost
// is always O(min(|a|, |b|)).
func intersectionCount(a, b map[uint16]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	count := 0
	for id := range a {
		if _, ok := b[id]; ok {
			count++
		}
	}
	return count
}

// overlapRatio returns |a ∩ b| / min(|a|, |b|), or 0 if either set is empty.
func overlapRatio(a, b map[uint16]struct{}) float64 {
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	if minLen == 0 {
		return 0
	}
	return float64(intersectionCount(a, b)) / float64(minLen)
}

// jaccardIPID returns |a ∩ b| / |a ∪ b| for two IP-ID sets.
func jaccardIPID(a, b map[uint16]struct{}) float64 {
	inter := intersectionCount(a, b)
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// jaccardTokens returns the Jaccard similarity of two space-separated token
// strings (e.g. length signatures): |A ∩ B| / |A ∪ B|, 1.0 when both are
// empty, in [0, 1] always.
func jaccardTokens(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	if s == "" {
		return nil
	}
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// ttlClose reports whether two TTLs are within the given delta of each
// other; zero TTLs (unobserved) never count as close.
func ttlClose(a, b int, delta int) bool {
	if a == 0 || b == 0 {
		return false
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= delta
}
