package tracecontext

import (
	"math"
	"strings"
)

// Decision is the outcome of a sampling strategy.
type Decision int

const (
	Drop Decision = iota
	Sample
)

// ErrorBasedSampler always samples traces flagged as errors, and applies a
// deterministic base rate to everything else.
type ErrorBasedSampler struct {
	BaseRate float64
}

// NewErrorBasedSampler builds a sampler with the given base rate in [0,1].
func NewErrorBasedSampler(baseRate float64) *ErrorBasedSampler {
	return &ErrorBasedSampler{BaseRate: baseRate}
}

// ShouldSample decides based on hasError and a trace ID interpreted as an
// unsigned 64-bit integer for deterministic thresholding.
func (s *ErrorBasedSampler) ShouldSample(hasError bool, traceID uint64) Decision {
	if hasError {
		return Sample
	}
	if traceID <= rateThreshold(s.BaseRate) {
		return Sample
	}
	return Drop
}

// SlowRequestSampler always samples requests at or above a duration
// threshold, and applies a base rate to everything below it.
type SlowRequestSampler struct {
	ThresholdMillis uint64
	BaseRate        float64
}

func NewSlowRequestSampler(thresholdMillis uint64, baseRate float64) *SlowRequestSampler {
	return &SlowRequestSampler{ThresholdMillis: thresholdMillis, BaseRate: baseRate}
}

func (s *SlowRequestSampler) ShouldSample(durationMillis uint64) Decision {
	if durationMillis >= s.ThresholdMillis {
		return Sample
	}
	if s.BaseRate >= 1.0 {
		return Sample
	}
	if s.BaseRate <= 0.0 {
		return Drop
	}
	if durationMillis <= rateThreshold(s.BaseRate) {
		return Sample
	}
	return Drop
}

// Rule conditions for path, method, and attribute-based sampling. An empty
// string or empty map field means "no constraint on this dimension".
type Rule struct {
	PathPattern string
	Method      string
	Attributes  map[string]string
	SampleRate  float64
}

// NewRule returns a Rule with SampleRate defaulted to 1.0, matching
// everything until narrowed with the With* setters.
func NewRule() Rule {
	return Rule{SampleRate: 1.0}
}

func (r Rule) WithPathPattern(pattern string) Rule { r.PathPattern = pattern; return r }
func (r Rule) WithMethod(method string) Rule       { r.Method = method; return r }
func (r Rule) WithSampleRate(rate float64) Rule    { r.SampleRate = rate; return r }

func (r Rule) WithAttribute(key, value string) Rule {
	if r.Attributes == nil {
		r.Attributes = make(map[string]string)
	}
	r.Attributes[key] = value
	return r
}

func (r Rule) matchesPath(path string) bool {
	if r.PathPattern == "" {
		return true
	}
	if strings.HasSuffix(r.PathPattern, "/*") {
		prefix := r.PathPattern[:len(r.PathPattern)-2]
		return strings.HasPrefix(path, prefix)
	}
	return path == r.PathPattern
}

func (r Rule) matchesMethod(method string) bool {
	if r.Method == "" {
		return true
	}
	return r.Method == method
}

func (r Rule) matchesAttributes(attributes map[string]string) bool {
	for k, v := range r.Attributes {
		if attributes[k] != v {
			return false
		}
	}
	return true
}

// RuleSampler evaluates a list of rules in order; the first full match
// fixes the sample rate, else a base rate applies.
type RuleSampler struct {
	BaseRate float64
	Rules    []Rule
}

func NewRuleSampler(baseRate float64) *RuleSampler {
	return &RuleSampler{BaseRate: baseRate}
}

func (s *RuleSampler) AddRule(rule Rule) {
	s.Rules = append(s.Rules, rule)
}

// ShouldSample hashes path with a wrapping multiplicative hash to make the
// decision deterministic for a given path.
func (s *RuleSampler) ShouldSample(path, method string, attributes map[string]string) Decision {
	for _, rule := range s.Rules {
		if rule.matchesPath(path) && rule.matchesMethod(method) && rule.matchesAttributes(attributes) {
			return decisionForRate(rule.SampleRate, path)
		}
	}
	return decisionForRate(s.BaseRate, path)
}

func decisionForRate(rate float64, path string) Decision {
	if rate >= 1.0 {
		return Sample
	}
	if rate <= 0.0 {
		return Drop
	}
	if hashPath(path) <= rateThreshold(rate) {
		return Sample
	}
	return Drop
}

func hashPath(path string) uint64 {
	var h uint64
	for i := 0; i < len(path); i++ {
		h = h*31 + uint64(path[i])
	}
	return h
}

func rateThreshold(rate float64) uint64 {
	return uint64(rate * float64(math.MaxUint64))
}
