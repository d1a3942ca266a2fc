// Package routing answers which agents are eligible for a path using
// CODEOWNERS style rules. The last matching rule wins.
package routing

import (
	"fmt"
	"regexp"
	"strings"

	"workgate/internal/config"
)

type rule struct {
	pattern string
	re      *regexp.Regexp
	agents  []string
}

type Router struct {
	rules []rule
}

// New compiles rules in file order.
func New(rules []config.RoutingRule) (*Router, error) {
	r := &Router{rules: make([]rule, 0, len(rules))}
	for _, in := range rules {
		re, err := compile(in.Pattern)
		if err != nil {
			return nil, fmt.Errorf("routing pattern %q: %w", in.Pattern, err)
		}
		r.rules = append(r.rules, rule{pattern: in.Pattern, re: re, agents: append([]string(nil), in.Agents...)})
	}
	return r, nil
}

// EligibleAgents returns the agents of the last rule matching path, nil when none match.
func (r *Router) EligibleAgents(path string) []string {
	_, agents := r.Match(path)
	return agents
}

// Match also returns the winning pattern.
func (r *Router) Match(path string) (string, []string) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" {
		return "", nil
	}
	for i := len(r.rules) - 1; i >= 0; i-- {
		if r.rules[i].re.MatchString(path) {
			return r.rules[i].pattern, append([]string(nil), r.rules[i].agents...)
		}
	}
	return "", nil
}

// compile turns a CODEOWNERS pattern into an anchored regexp.
// A pattern with a leading or inner slash is relative to the root, otherwise it
// matches at any depth. A trailing slash or a literal last segment also covers
// everything below the match; a wildcard last segment such as docs/* does not.
func compile(pattern string) (*regexp.Regexp, error) {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	anchored := strings.HasPrefix(p, "/")
	p = strings.TrimPrefix(p, "/")
	if strings.Contains(strings.TrimSuffix(p, "/"), "/") {
		anchored = true
	}
	dirOnly := strings.HasSuffix(p, "/")
	p = strings.TrimSuffix(p, "/")
	subtree := dirOnly || !strings.ContainsAny(p[strings.LastIndex(p, "/")+1:], "*?")

	var b strings.Builder
	b.WriteString("^")
	if !anchored {
		b.WriteString("(?:.*/)?")
	}
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch {
		case c == '*' && i+1 < len(p) && p[i+1] == '*':
			i++
			if i+1 < len(p) && p[i+1] == '/' {
				i++
				b.WriteString("(?:.*/)?")
			} else {
				b.WriteString(".*")
			}
		case c == '*':
			b.WriteString("[^/]*")
		case c == '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	if subtree {
		b.WriteString("(?:/.*)?")
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
