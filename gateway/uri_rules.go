// Copyright 2025 UHDSlave
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"regexp"
	"strings"
	"sync"
)

// Match types for URI rules.
const (
	MatchRegex  = "regex"
	MatchPrefix = "prefix"
	MatchExact  = "exact"
)

// regexCache compiles each regex pattern once per process. Patterns come
// from the config snapshot, so the set is small and stable between pulls.
var regexCache sync.Map // pattern -> *regexp.Regexp (nil for bad patterns)

func compiledRegex(pattern string) *regexp.Regexp {
	if cached, ok := regexCache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}
	// Regex rules match case-insensitively.
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		re = nil
	}
	regexCache.Store(pattern, re)
	return re
}

// MatchURIRule reports whether a single rule matches the URI. A regex that
// fails to compile never matches.
func MatchURIRule(rule URIRule, uri string) bool {
	switch rule.MatchType {
	case MatchPrefix:
		return strings.HasPrefix(uri, rule.Pattern)
	case MatchExact:
		return uri == rule.Pattern
	case MatchRegex:
		re := compiledRegex(rule.Pattern)
		return re != nil && re.MatchString(uri)
	default:
		return false
	}
}

// FirstMatch walks an ordered rule list and returns the first matching
// rule, or nil. First match wins; later rules are not consulted.
func FirstMatch(rules []URIRule, uri string) *URIRule {
	for i := range rules {
		if MatchURIRule(rules[i], uri) {
			return &rules[i]
		}
	}
	return nil
}
