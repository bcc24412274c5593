package dnsproxy

import (
	"math"
	"strings"
)

// Entropy/n-gram thresholds tuned against common benign traffic; queries
// past them mint synthetic dns_exfil / dns_dga events for the detection
// engine rather than being blocked here.
const (
	exfilMinLabelLen  = 30
	exfilMinEntropy   = 4.0
	dgaMinLabelLen    = 8
	dgaMaxCommonRatio = 0.4
)

// shannonEntropy is bits per character over the label alphabet.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	var h float64
	n := float64(len(s))
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// looksLikeExfil flags long, high-entropy first labels: encoded payloads
// smuggled through query names.
func looksLikeExfil(domain string) bool {
	label, _, _ := strings.Cut(domain, ".")
	return len(label) >= exfilMinLabelLen && shannonEntropy(label) >= exfilMinEntropy
}

// commonBigrams covers the bigrams that dominate human-chosen hostnames.
// DGA output scores low against it.
var commonBigrams = buildBigramSet(
	"th he in er an re on at en nd ti es or te of ed is it al ar st to nt ng se ha as ou io le ve co me de hi ri ro ic ne ea ra ce li ch ll be ma si om ur ca el ta la ns di fo ho pe ec pr no ct us ac ot il tr ly nc et ut ss so rs un lo wa ge ie wh ee wi em ad ol rt po we na ul ni ts mo ow pa im mi ai sh",
)

func buildBigramSet(spaceSeparated string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, bg := range strings.Fields(spaceSeparated) {
		out[bg] = struct{}{}
	}
	return out
}

// looksLikeDGA flags labels whose bigram profile is far from human-chosen
// names: the signature of algorithmically generated C2 domains.
func looksLikeDGA(domain string) bool {
	label, _, _ := strings.Cut(domain, ".")
	label = strings.ToLower(label)
	if len(label) < dgaMinLabelLen {
		return false
	}
	alpha := 0
	for i := 0; i < len(label); i++ {
		if label[i] >= 'a' && label[i] <= 'z' {
			alpha++
		}
	}
	if alpha < dgaMinLabelLen {
		return false
	}
	total, common := 0, 0
	for i := 0; i+1 < len(label); i++ {
		bg := label[i : i+2]
		if bg[0] < 'a' || bg[0] > 'z' || bg[1] < 'a' || bg[1] > 'z' {
			continue
		}
		total++
		if _, ok := commonBigrams[bg]; ok {
			common++
		}
	}
	if total == 0 {
		return false
	}
	return float64(common)/float64(total) < dgaMaxCommonRatio
}
