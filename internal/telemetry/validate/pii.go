package validate

import "regexp"

// PII patterns scanned over free-text fields. Matches surface as warnings,
// not validation errors: the engine does not reject on suspicion.
var piiPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"email address", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{"social security number", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"credit card number", regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)},
	{"phone number", regexp.MustCompile(`\b(?:\+?1[ \-.]?)?\(?\d{3}\)?[ \-.]?\d{3}[ \-.]?\d{4}\b`)},
}

// detectPII returns the kinds of PII a text appears to contain, in pattern
// order. Duplicate kinds are reported once.
func detectPII(text string) []string {
	var kinds []string
	for _, p := range piiPatterns {
		if p.re.MatchString(text) {
			kinds = append(kinds, p.kind)
		}
	}
	return kinds
}
