package policy

import (
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"

	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/errs"
	"github.com/childguard/daemon/internal/policy/domaintrie"
)

// bloomFalsePositiveRate bounds the pre-screen's false-positive rate; a
// positive test still falls through to the authoritative hash/trie
// lookup, so this only trades a little CPU for memory, not correctness.
const bloomFalsePositiveRate = 0.01

// searchEngineDomains is the small built-in set enforce-safe-search
// recognizes, grounded in spec.md's "known search engine" phrasing
// rather than an exhaustive external catalog.
var searchEngineDomains = map[string]bool{
	"google.com":     true,
	"bing.com":       true,
	"duckduckgo.com": true,
	"yahoo.com":      true,
}

// DomainDecider evaluates a web-navigation domain against the compiled
// exact set, reverse-domain trie and category list, pre-screened by a
// Bloom filter sized to the explicit/trie entry count.
type DomainDecider struct {
	mode              domain.RuleMode
	exact             map[string]bool
	trie              *domaintrie.Trie
	bloom             *bloom.BloomFilter
	categories        map[string]bool
	enforceSafeSearch bool
}

// maxDomainEntries enforces the PolicyTooLarge cap on filter-list size.
const maxDomainEntries = 200_000

func compileDomainDecider(r domain.WebRule) (DomainDecider, error) {
	if len(r.ExplicitDomains) > maxDomainEntries {
		return DomainDecider{}, errs.New(errs.CodePolicyTooLarge, "web rule explicit domain list exceeds cap")
	}

	exact := make(map[string]bool, len(r.ExplicitDomains))
	trie := domaintrie.New()
	size := uint(len(r.ExplicitDomains))
	if size == 0 {
		size = 1
	}
	filter := bloom.NewWithEstimates(size, bloomFalsePositiveRate)

	for _, d := range r.ExplicitDomains {
		norm, err := normalizeDomain(d)
		if err != nil {
			return DomainDecider{}, errs.Wrap(errs.CodePolicyInvalid, "invalid domain "+d, err)
		}
		exact[norm] = true
		trie.Insert(norm, "")
		filter.AddString(norm)
	}

	categories := make(map[string]bool, len(r.Categories))
	for _, c := range r.Categories {
		categories[c] = true
	}

	return DomainDecider{
		mode: r.Mode, exact: exact, trie: trie, bloom: filter,
		categories: categories, enforceSafeSearch: r.EnforceSafeSearch,
	}, nil
}

// normalizeDomain lower-cases, strips a trailing dot, and converts any
// internationalized label to its ASCII (punycode) form so the same
// domain always hashes and tries identically regardless of how a caller
// encoded it.
func normalizeDomain(d string) (string, error) {
	d = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(d), "."))
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", err
	}
	return ascii, nil
}

// Decide resolves a (domain, category) pair, per spec.md §4.5: Bloom
// pre-screen, then exact-set, then trie suffix match, then category.
func (d DomainDecider) Decide(rawDomain, category string) (verdict domain.Verdict, reason string, rewriteHint string) {
	norm, err := normalizeDomain(rawDomain)
	if err != nil {
		return domain.VerdictBlock, "invalid-domain", ""
	}

	matched := false
	matchedCategory := ""
	// The filter holds the registered names, so a subdomain of one is
	// pre-screened by testing each of its parent suffixes as well.
	possible := false
	for s := norm; !possible; {
		possible = d.bloom.TestString(s)
		i := strings.IndexByte(s, '.')
		if i < 0 {
			break
		}
		s = s[i+1:]
	}
	if possible {
		if d.exact[norm] {
			matched = true
		} else if ok, cat := d.trie.Match(norm); ok {
			matched, matchedCategory = true, cat
		}
	}
	if !matched && category != "" && d.categories[category] {
		matched = true
		matchedCategory = category
	}

	verdict = d.resolve(matched)
	if verdict == domain.VerdictBlock {
		reason = "web-blocklisted"
		if matchedCategory != "" {
			reason = "web-category-" + matchedCategory
		}
	}

	if verdict != domain.VerdictBlock && d.enforceSafeSearch && searchEngineDomains[registeredDomain(norm)] {
		rewriteHint = "safesearch=strict"
	}
	return verdict, reason, rewriteHint
}

func (d DomainDecider) resolve(matched bool) domain.Verdict {
	switch d.mode {
	case domain.ModeBlocklist:
		if matched {
			return domain.VerdictBlock
		}
		return domain.VerdictAllow
	case domain.ModeAllowlist:
		if matched {
			return domain.VerdictAllow
		}
		return domain.VerdictBlock
	default:
		return domain.VerdictBlock
	}
}

// registeredDomain reduces a hostname to its registrable eTLD+1 so
// "www.google.com" and "google.com" both recognize the same search
// engine entry; an unparsable suffix (e.g. a bare TLD) falls back to the
// input unchanged.
func registeredDomain(host string) string {
	reg, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return reg
}
