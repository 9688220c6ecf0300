package fraud

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"
)

// Signal is one evaluator's bounded contribution.
type Signal struct {
	Name       string   `json:"name"`
	Score      int      `json:"score"`
	Indicators []string `json:"indicators,omitempty"`
}

// SignalInput is everything an evaluator may inspect. Evaluators must not
// mutate it.
type SignalInput struct {
	UserID    string
	Event     *ActivityEvent
	History   []*ActivityEvent // the user's events, newest first, excluding Event
	IPHistory []*ActivityEvent // events from Event.IPAddress in the last 24h
	Profile   *BehaviorProfile // nil for a user never seen before
	Now       time.Time
}

// Evaluator inspects one dimension of an event.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, in *SignalInput) (Signal, error)
}

// Indicator tags raised by the evaluators.
const (
	TagUnusualLocation         = "unusual_location"
	TagDistantLocation         = "distant_location"
	TagNewDevice               = "new_device"
	TagBlacklistedIP           = "blacklisted_ip"
	TagProxyVPN                = "proxy_vpn_detected"
	TagHighIPActivity          = "high_ip_activity"
	TagMultipleFailedAttempts  = "multiple_failed_attempts"
	TagExcessiveLoginFrequency = "excessive_login_frequency"
	TagUnusualDailyActivity    = "unusual_daily_activity"
	TagSuspiciousUserAgent     = "suspicious_user_agent"
	TagBotUserAgent            = "bot_user_agent"
	TagChangedUserAgent        = "changed_user_agent"
	TagUnusualTime             = "unusual_time"
	TagAtypicalLoginTime       = "atypical_login_time"
	TagInvalidEvent            = "invalid_event"
)

// HistoryWindow is the longest lookback of any evaluator: location novelty
// and the login-hour histogram both read 30 days of history.
const HistoryWindow = 30 * 24 * time.Hour

const (
	locationWindow  = HistoryWindow
	maxSignalScore  = 100
	userAgentWindow = 20
)

// DefaultEvaluators returns the built-in evaluators. ip may be nil.
func DefaultEvaluators(ip *IPReputationEvaluator) []Evaluator {
	if ip == nil {
		ip = NewIPReputationEvaluator(nil, nil, nil)
	}
	return []Evaluator{
		LocationEvaluator{},
		DeviceEvaluator{},
		ip,
		LoginFrequencyEvaluator{},
		UserAgentEvaluator{},
		TimePatternEvaluator{},
	}
}

// ---------------------------------------------------------------------------
// Location
// ---------------------------------------------------------------------------

// LocationEvaluator flags locations not seen in the last 30 days. A change of
// coarse region replaces the base score rather than stacking on it.
type LocationEvaluator struct{}

func (LocationEvaluator) Name() string { return "location" }

func (LocationEvaluator) Evaluate(_ context.Context, in *SignalInput) (Signal, error) {
	sig := Signal{Name: "location"}
	loc := in.Event.Location
	if loc == "" {
		return sig, nil
	}

	cutoff := in.Now.Add(-locationWindow)
	var mostRecent string
	seen := false
	known := 0
	for _, h := range in.History {
		if h.Location == "" || h.Timestamp.Before(cutoff) {
			continue
		}
		if mostRecent == "" {
			mostRecent = h.Location
		}
		known++
		if strings.EqualFold(h.Location, loc) {
			seen = true
		}
	}
	if known == 0 || seen {
		return sig, nil
	}

	sig.Score = 20
	sig.Indicators = []string{TagUnusualLocation}
	if Region(loc) != Region(mostRecent) {
		sig.Score = 35
		sig.Indicators = append(sig.Indicators, TagDistantLocation)
	}
	return sig, nil
}

// Region returns the coarse region of a location string: its last
// comma-separated token, lowercased ("Berlin, DE" -> "de").
func Region(loc string) string {
	if i := strings.LastIndex(loc, ","); i >= 0 {
		loc = loc[i+1:]
	}
	return strings.ToLower(strings.TrimSpace(loc))
}

// ---------------------------------------------------------------------------
// Device fingerprint
// ---------------------------------------------------------------------------

// DeviceEvaluator flags missing and never-seen device fingerprints.
type DeviceEvaluator struct{}

func (DeviceEvaluator) Name() string { return "device" }

func (DeviceEvaluator) Evaluate(_ context.Context, in *SignalInput) (Signal, error) {
	sig := Signal{Name: "device"}
	known := make(map[string]struct{})
	if in.Profile != nil {
		for _, d := range in.Profile.TypicalDevices {
			known[d] = struct{}{}
		}
	}
	for _, h := range in.History {
		if h.DeviceFingerprint != "" {
			known[h.DeviceFingerprint] = struct{}{}
		}
	}

	firstEvent := len(in.History) == 0 && len(known) == 0
	if firstEvent {
		return sig, nil
	}

	fp := in.Event.DeviceFingerprint
	if fp == "" {
		sig.Score = 10
		return sig, nil
	}
	if _, ok := known[fp]; !ok && len(known) > 0 {
		sig.Score = 25
		sig.Indicators = []string{TagNewDevice}
	}
	return sig, nil
}

// ---------------------------------------------------------------------------
// IP reputation
// ---------------------------------------------------------------------------

// ErrReputationUnavailable marks a failed external reputation lookup. The
// evaluator's local findings remain valid; the lookup itself contributes 0.
var ErrReputationUnavailable = errors.New("fraud: ip reputation unavailable")

// Reputation is a verdict from an external IP intelligence source.
type Reputation struct {
	Blacklisted bool `json:"blacklisted"`
	Proxy       bool `json:"proxy"`
}

// ReputationProvider looks up an IP in an external source. Implementations
// are expected to honor ctx deadlines.
type ReputationProvider interface {
	Lookup(ctx context.Context, ip string) (*Reputation, error)
}

var defaultProxyPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("::1/128"),
}

const (
	ipActivityLimit = 20
	ipFailureLimit  = 5
)

// IPReputationEvaluator scores the source address. The four checks are
// independent and additive.
type IPReputationEvaluator struct {
	blacklist map[string]struct{}
	proxies   []netip.Prefix
	provider  ReputationProvider
}

// NewIPReputationEvaluator builds the evaluator. Extra proxy prefixes are
// added to the private/CGNAT defaults; provider may be nil.
func NewIPReputationEvaluator(blacklist []string, proxyPrefixes []netip.Prefix, provider ReputationProvider) *IPReputationEvaluator {
	e := &IPReputationEvaluator{
		blacklist: make(map[string]struct{}, len(blacklist)),
		proxies:   append(append([]netip.Prefix{}, defaultProxyPrefixes...), proxyPrefixes...),
		provider:  provider,
	}
	for _, ip := range blacklist {
		if ip = strings.TrimSpace(ip); ip != "" {
			e.blacklist[ip] = struct{}{}
		}
	}
	return e
}

func (e *IPReputationEvaluator) Name() string { return "ip_reputation" }

func (e *IPReputationEvaluator) Evaluate(ctx context.Context, in *SignalInput) (Signal, error) {
	sig := Signal{Name: e.Name()}
	ip := in.Event.IPAddress
	if ip == "" {
		return sig, nil
	}

	blacklisted := false
	if _, ok := e.blacklist[ip]; ok {
		blacklisted = true
	}
	proxy := e.isProxy(ip)

	var lookupErr error
	if e.provider != nil && (!blacklisted || !proxy) {
		rep, err := e.provider.Lookup(ctx, ip)
		if err != nil {
			lookupErr = fmt.Errorf("%w: %v", ErrReputationUnavailable, err)
		} else if rep != nil {
			blacklisted = blacklisted || rep.Blacklisted
			proxy = proxy || rep.Proxy
		}
	}

	if blacklisted {
		sig.add(50, TagBlacklistedIP)
	}
	if proxy {
		sig.add(30, TagProxyVPN)
	}

	cutoff := in.Now.Add(-24 * time.Hour)
	var total, failed int
	for _, h := range in.IPHistory {
		if h.Timestamp.Before(cutoff) {
			continue
		}
		total++
		if h.Failed() {
			failed++
		}
	}
	if total > ipActivityLimit {
		sig.add(25, TagHighIPActivity)
	}
	if failed > ipFailureLimit {
		sig.add(35, TagMultipleFailedAttempts)
	}

	// A failed lookup still returns the local findings; the caller logs it.
	return sig, lookupErr
}

func (e *IPReputationEvaluator) isProxy(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range e.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Login frequency
// ---------------------------------------------------------------------------

const (
	hourlyLoginLimit = 10
	dailyLoginLimit  = 50
)

// LoginFrequencyEvaluator flags bursts of login events.
type LoginFrequencyEvaluator struct{}

func (LoginFrequencyEvaluator) Name() string { return "login_frequency" }

func (LoginFrequencyEvaluator) Evaluate(_ context.Context, in *SignalInput) (Signal, error) {
	sig := Signal{Name: "login_frequency"}
	hourAgo := in.Now.Add(-time.Hour)
	dayAgo := in.Now.Add(-24 * time.Hour)

	var lastHour, lastDay int
	for _, h := range in.History {
		if !IsLoginAction(h.Action) || h.Timestamp.Before(dayAgo) {
			continue
		}
		lastDay++
		if !h.Timestamp.Before(hourAgo) {
			lastHour++
		}
	}
	if lastHour > hourlyLoginLimit {
		sig.add(40, TagExcessiveLoginFrequency)
	}
	if lastDay > dailyLoginLimit {
		sig.add(30, TagUnusualDailyActivity)
	}
	return sig, nil
}

// IsLoginAction reports whether an action string is login-type.
func IsLoginAction(action string) bool {
	return strings.Contains(strings.ToLower(action), "login")
}

// ---------------------------------------------------------------------------
// User agent
// ---------------------------------------------------------------------------

var botPattern = regexp.MustCompile(`(?i)bot|crawler|spider|scraper`)

// UserAgentEvaluator flags missing, automated, and changed user agents.
type UserAgentEvaluator struct{}

func (UserAgentEvaluator) Name() string { return "user_agent" }

func (UserAgentEvaluator) Evaluate(_ context.Context, in *SignalInput) (Signal, error) {
	sig := Signal{Name: "user_agent"}
	ua := strings.TrimSpace(in.Event.UserAgent)

	if len(ua) < 10 {
		sig.add(25, TagSuspiciousUserAgent)
	}
	if ua != "" && botPattern.MatchString(ua) {
		sig.add(35, TagBotUserAgent)
	}

	if ua != "" {
		seen := make(map[string]struct{})
		for i, h := range in.History {
			if i >= userAgentWindow {
				break
			}
			if h.UserAgent != "" {
				seen[h.UserAgent] = struct{}{}
			}
		}
		if _, ok := seen[ua]; !ok && len(seen) > 0 {
			sig.add(20, TagChangedUserAgent)
		}
	}
	return sig, nil
}

// ---------------------------------------------------------------------------
// Time pattern
// ---------------------------------------------------------------------------

const (
	minLoginSamples  = 10
	atypicalHourRate = 0.05
)

// TimePatternEvaluator flags small-hours activity and hours atypical for the user.
type TimePatternEvaluator struct{}

func (TimePatternEvaluator) Name() string { return "time_pattern" }

func (TimePatternEvaluator) Evaluate(_ context.Context, in *SignalInput) (Signal, error) {
	sig := Signal{Name: "time_pattern"}
	hour := eventTime(in.Event, in.Now).Hour()
	if hour >= 2 && hour <= 5 {
		sig.add(15, TagUnusualTime)
	}

	var histogram [24]int
	logins := 0
	for _, h := range in.History {
		if !IsLoginAction(h.Action) {
			continue
		}
		histogram[h.Timestamp.UTC().Hour()]++
		logins++
	}
	if logins >= minLoginSamples {
		if float64(histogram[hour])/float64(logins) < atypicalHourRate {
			sig.add(10, TagAtypicalLoginTime)
		}
	}
	return sig, nil
}

func (s *Signal) add(score int, tag string) {
	s.Score += score
	if s.Score > maxSignalScore {
		s.Score = maxSignalScore
	}
	s.Indicators = append(s.Indicators, tag)
}

// eventTime returns the event's timestamp in UTC, or now when unset.
func eventTime(e *ActivityEvent, now time.Time) time.Time {
	if e.Timestamp.IsZero() {
		return now.UTC()
	}
	return e.Timestamp.UTC()
}
