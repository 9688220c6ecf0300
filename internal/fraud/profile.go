package fraud

import (
	"slices"
	"time"
)

// Profile collection caps.
const (
	maxTypicalLocations = 10
	maxTypicalDevices   = 10
	maxRiskFactors      = 20
)

// BehaviorProfile is the rolling per-user summary of normal behavior.
// Bounded collections are deduplicated and ordered most-recent-last.
type BehaviorProfile struct {
	UserID           string    `json:"userId"`
	TypicalLocations []string  `json:"typicalLocations"`
	TypicalDevices   []string  `json:"typicalDevices"`
	TypicalTimes     []int     `json:"typicalTimes"`
	RiskFactors      []string  `json:"riskFactors"`
	BaselineScore    int       `json:"baselineScore"`
	LastAnalyzed     time.Time `json:"lastAnalyzed"`
}

// NewProfile returns an empty profile for userID.
func NewProfile(userID string) *BehaviorProfile {
	return &BehaviorProfile{
		UserID:           userID,
		TypicalLocations: []string{},
		TypicalDevices:   []string{},
		TypicalTimes:     []int{},
		RiskFactors:      []string{},
	}
}

// Clone returns a deep copy so stores never share slices with callers.
func (p *BehaviorProfile) Clone() *BehaviorProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.TypicalLocations = slices.Clone(p.TypicalLocations)
	c.TypicalDevices = slices.Clone(p.TypicalDevices)
	c.TypicalTimes = slices.Clone(p.TypicalTimes)
	c.RiskFactors = slices.Clone(p.RiskFactors)
	return &c
}

func (p *BehaviorProfile) HasLocation(loc string) bool { return slices.Contains(p.TypicalLocations, loc) }
func (p *BehaviorProfile) HasDevice(fp string) bool    { return slices.Contains(p.TypicalDevices, fp) }
func (p *BehaviorProfile) HasHour(h int) bool          { return slices.Contains(p.TypicalTimes, h) }

// AddLocation records loc as the most recent location.
func (p *BehaviorProfile) AddLocation(loc string) {
	if loc == "" {
		return
	}
	p.TypicalLocations = pushBounded(p.TypicalLocations, loc, maxTypicalLocations)
}

// AddDevice records a device fingerprint as the most recent device.
func (p *BehaviorProfile) AddDevice(fp string) {
	if fp == "" {
		return
	}
	p.TypicalDevices = pushBounded(p.TypicalDevices, fp, maxTypicalDevices)
}

// AddHour adds an hour of day (0-23) to the typical-hours set.
func (p *BehaviorProfile) AddHour(h int) {
	if h < 0 || h > 23 || p.HasHour(h) {
		return
	}
	p.TypicalTimes = append(p.TypicalTimes, h)
}

// AddRiskFactors records anomaly tags, oldest evicted past the cap.
func (p *BehaviorProfile) AddRiskFactors(tags ...string) {
	for _, t := range tags {
		if t == "" {
			continue
		}
		p.RiskFactors = pushBounded(p.RiskFactors, t, maxRiskFactors)
	}
}

// pushBounded appends v, moving an existing copy to the end, and trims the
// oldest entries beyond limit.
func pushBounded(list []string, v string, limit int) []string {
	if i := slices.Index(list, v); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	list = append(list, v)
	if len(list) > limit {
		list = slices.Clone(list[len(list)-limit:])
	}
	return list
}
