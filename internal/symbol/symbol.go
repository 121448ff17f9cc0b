// Package symbol validates and normalizes stock symbols.
//
// Validation is pure: no I/O, no side effects. The accepted grammar covers
// Taiwan (2330.TW, 2330.TWO), mainland A-shares (600519, 600519.SS/.SZ),
// Hong Kong (0700.HK, HK00700), and plain tickers (AAPL, BRK.A).
package symbol

import (
	"regexp"
	"strings"
)

// Result is the validator outcome. Normalized is only meaningful when Valid.
type Result struct {
	Valid      bool
	Normalized string
	Reason     string
}

var patterns = []*regexp.Regexp{
	// Taiwan: 4 digits + .TW or .TWO
	regexp.MustCompile(`^\d{4}\.TWO?$`),
	// A-share: 6 digits, optional 2-letter market suffix
	regexp.MustCompile(`^\d{6}(\.[A-Z]{2})?$`),
	// Prefixed: 2-letter market prefix + 5-6 digits (e.g. HK00700)
	regexp.MustCompile(`^[A-Z]{2}\d{5,6}$`),
	// Hong Kong: 4-5 digits, optional 2-letter suffix
	regexp.MustCompile(`^\d{4,5}(\.[A-Z]{2})?$`),
	// Ticker: 1-6 letters, optional 1-2 letter suffix
	regexp.MustCompile(`^[A-Z]{1,6}(\.[A-Z]{1,2})?$`),
}

// Validate trims and uppercases raw, then checks it against the grammar.
func Validate(raw string) Result {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return Result{Reason: "symbol is required"}
	}
	for _, re := range patterns {
		if re.MatchString(s) {
			return Result{Valid: true, Normalized: s}
		}
	}
	return Result{Normalized: s, Reason: "unrecognized symbol format: " + s}
}
