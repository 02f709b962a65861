package reqtrace

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Origin is a normalized scheme+host+port triple. Two origins are the same
// exactly when all three components match, with default ports filled in.
type Origin struct {
	Scheme string
	Host   string
	Port   string
}

// ParseOrigin extracts the origin of an absolute URL. A URL without a host
// (a relative reference) yields a zero Origin and no error; callers treat it
// as same-origin.
func ParseOrigin(rawurl string) (Origin, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return Origin{}, fmt.Errorf("cannot parse origin of %q: %w", rawurl, err)
	}
	if u.Host == "" {
		return Origin{}, nil
	}

	o := Origin{
		Scheme: strings.ToLower(u.Scheme),
		Host:   strings.ToLower(u.Hostname()),
		Port:   u.Port(),
	}
	if o.Port == "" {
		o.Port = defaultPort(o.Scheme)
	}
	return o, nil
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	default:
		return ""
	}
}

func (o Origin) IsZero() bool {
	return o.Host == ""
}

func (o Origin) Equal(other Origin) bool {
	return o.Scheme == other.Scheme && o.Host == other.Host && o.Port == other.Port
}

func (o Origin) String() string {
	if o.IsZero() {
		return ""
	}
	if o.Port == defaultPort(o.Scheme) {
		return o.Scheme + "://" + o.Host
	}
	return o.Scheme + "://" + o.Host + ":" + o.Port
}

// AllowRule decides whether propagation headers may be attached to a
// cross-origin request. Absence of a rule means never inject cross-origin;
// that is a privacy boundary, not an error, and the request still proceeds
// untraced-header-free with its span intact.
type AllowRule interface {
	Allows(targetURL string, target Origin) bool
}

// AllowedOrigins permits a finite set of literal origins, matched exactly
// after normalization.
type AllowedOrigins []string

func (r AllowedOrigins) Allows(_ string, target Origin) bool {
	for _, literal := range r {
		o, err := ParseOrigin(literal)
		if err != nil || o.IsZero() {
			continue
		}
		if o.Equal(target) {
			return true
		}
	}
	return false
}

// AllowPattern permits any target whose full URL matches the pattern.
type AllowPattern struct {
	re *regexp.Regexp
}

func NewAllowPattern(expr string) (AllowPattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return AllowPattern{}, fmt.Errorf("invalid allow pattern %q: %w", expr, err)
	}
	return AllowPattern{re: re}, nil
}

func (r AllowPattern) Allows(targetURL string, _ Origin) bool {
	return r.re != nil && r.re.MatchString(targetURL)
}

// ShouldInject reports whether propagation headers belong on a request to
// targetURL. Same-origin always injects; cross-origin injects only when rule
// explicitly allows the target.
func ShouldInject(targetURL string, current Origin, rule AllowRule) bool {
	target, err := ParseOrigin(targetURL)
	if err != nil {
		return false
	}
	if target.IsZero() || target.Equal(current) {
		return true
	}
	if rule == nil {
		return false
	}
	return rule.Allows(targetURL, target)
}
