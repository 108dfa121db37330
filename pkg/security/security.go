// Package security implements the two input-safety mechanisms shared
// by the Classifier and Clarifier (spec §4.4 step 1/2, §4.5
// "Security"): a configured danger-pattern filter, and a
// separator-hash defense that detects a model echoing back the
// delimiter tokens the prompt builder wrapped user input in — the
// tell that user text escaped its slot and got interpreted as
// instructions. Pattern matching here generalizes the teacher's
// pkg/context/sanitize.go delimiter/instruction-override filtering
// into data-driven, configurable rules instead of a hardcoded list.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
)

// DangerFilter rejects input matching any configured pattern.
type DangerFilter struct {
	patterns []*regexp.Regexp
}

// NewDangerFilter compiles the validation_patterns from an agent's
// security_settings (spec §6). Invalid patterns are skipped, not fatal.
func NewDangerFilter(patterns []string) *DangerFilter {
	f := &DangerFilter{}
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			f.patterns = append(f.patterns, re)
		}
	}
	return f
}

// Matches reports whether input trips any configured danger pattern.
func (f *DangerFilter) Matches(input string) bool {
	for _, re := range f.patterns {
		if re.MatchString(input) {
			return true
		}
	}
	return false
}

// Separator is a randomized delimiter plus its hash, embedded around
// user-supplied text in a rendered prompt so that any echo of the
// literal token in the model's output is detectable and therefore
// untrustworthy (spec §4.4 step 2, step 4).
type Separator struct {
	Token string
	Hash  string
}

// NewSeparator mints a fresh random separator. If safeSeparators is
// non-empty, one entry chosen at random is the token prefix (spec §6
// security_settings.safe_separators); otherwise the prefix is "§§MAICE".
// The prefix is followed by 16 random hex digits.
func NewSeparator(safeSeparators []string) Separator {
	prefix := "§§MAICE"
	if len(safeSeparators) > 0 {
		prefix = safeSeparators[rand.Intn(len(safeSeparators))]
	}
	token := fmt.Sprintf("%s-%016x§§", prefix, rand.Uint64())
	sum := sha256.Sum256([]byte(token))
	return Separator{Token: token, Hash: hex.EncodeToString(sum[:])}
}

// Wrap delimits untrusted text with the separator token, for embedding
// in a rendered prompt.
func (s Separator) Wrap(untrusted string) string {
	return s.Token + "\n" + untrusted + "\n" + s.Token
}

// Echoed reports whether output contains the literal separator token,
// meaning the model echoed a delimiter it should never have reason to
// reproduce verbatim — treated as an injection attempt (spec §4.4 step 4).
func (s Separator) Echoed(output string) bool {
	return strings.Contains(output, s.Token)
}
