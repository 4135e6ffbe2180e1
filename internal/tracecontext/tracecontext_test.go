package tracecontext

import (
	"net/http"
	"strings"
	"testing"
)

func TestParseTraceparentValid(t *testing.T) {
	ctx, ok := ParseTraceparent("00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if ctx.TraceID != "0af7651916cd43dd8448eb211c80319c" {
		t.Errorf("trace id = %q", ctx.TraceID)
	}
	if ctx.SpanID != "b7ad6b7169203331" {
		t.Errorf("span id = %q", ctx.SpanID)
	}
	if ctx.TraceFlags != 0x01 {
		t.Errorf("flags = %x", ctx.TraceFlags)
	}
	if !ctx.IsSampled() {
		t.Error("expected sampled")
	}
}

func TestParseTraceparentRejectsBadVersion(t *testing.T) {
	if _, ok := ParseTraceparent("01-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"); ok {
		t.Error("expected ok=false for non-00 version")
	}
}

func TestParseTraceparentRejectsWrongFieldCount(t *testing.T) {
	if _, ok := ParseTraceparent("00-abc-def"); ok {
		t.Error("expected ok=false for missing fields")
	}
}

func TestParseTraceparentRejectsBadLengths(t *testing.T) {
	tests := []string{
		"00-short-b7ad6b7169203331-01",
		"00-0af7651916cd43dd8448eb211c80319c-short-01",
		"00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-1",
	}
	for _, tp := range tests {
		if _, ok := ParseTraceparent(tp); ok {
			t.Errorf("ParseTraceparent(%q): expected ok=false", tp)
		}
	}
}

func TestParseTraceparentRejectsUppercaseHex(t *testing.T) {
	if _, ok := ParseTraceparent("00-0AF7651916CD43DD8448EB211C80319C-b7ad6b7169203331-01"); ok {
		t.Error("expected ok=false for uppercase hex")
	}
}

func TestSetSampled(t *testing.T) {
	ctx := Context{TraceFlags: 0x00}
	ctx.SetSampled(true)
	if ctx.TraceFlags != 0x01 {
		t.Errorf("flags = %x, want 01", ctx.TraceFlags)
	}
	ctx.SetSampled(false)
	if ctx.TraceFlags != 0x00 {
		t.Errorf("flags = %x, want 00", ctx.TraceFlags)
	}
}

func TestTraceparentFormat(t *testing.T) {
	ctx := Context{
		TraceID:    "0af7651916cd43dd8448eb211c80319c",
		SpanID:     "b7ad6b7169203331",
		TraceFlags: 0x01,
	}
	want := "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"
	if got := ctx.Traceparent(); got != want {
		t.Errorf("Traceparent() = %q, want %q", got, want)
	}
}

func TestExtractCaseInsensitiveFallback(t *testing.T) {
	headers := http.Header{}
	headers["X-Something"] = []string{"noise"}
	headers["TrAcEpArEnT"] = []string{"00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"}

	ctx, ok := Extract(headers)
	if !ok {
		t.Fatal("expected extraction to succeed via case-insensitive scan")
	}
	if ctx.SpanID != "b7ad6b7169203331" {
		t.Errorf("span id = %q", ctx.SpanID)
	}
}

func TestExtractMissingReturnsFalse(t *testing.T) {
	if _, ok := Extract(http.Header{}); ok {
		t.Error("expected ok=false with no traceparent header")
	}
}

func TestExtractCarriesTracestate(t *testing.T) {
	headers := http.Header{}
	headers.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	headers.Set("tracestate", "congo=t61rcWkgMzE")

	ctx, ok := Extract(headers)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if ctx.TraceState != "congo=t61rcWkgMzE" {
		t.Errorf("tracestate = %q", ctx.TraceState)
	}
}

func TestInjectRoundTrip(t *testing.T) {
	ctx := Context{
		TraceID:    "0af7651916cd43dd8448eb211c80319c",
		SpanID:     "b7ad6b7169203331",
		TraceFlags: 0x01,
		TraceState: "rojo=00f067aa0ba902b7",
	}

	headers := http.Header{}
	Inject(ctx, headers)

	got, ok := Extract(headers)
	if !ok {
		t.Fatal("expected extraction of injected headers to succeed")
	}
	if got != ctx {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, ctx)
	}
}

func TestErrorBasedSamplerAlwaysSamplesErrors(t *testing.T) {
	s := NewErrorBasedSampler(0.0)
	if s.ShouldSample(true, 0xFFFFFFFFFFFFFFFF) != Sample {
		t.Error("expected errors to always sample regardless of base rate")
	}
}

func TestErrorBasedSamplerDeterministicOnBaseRate(t *testing.T) {
	s := NewErrorBasedSampler(1.0)
	if s.ShouldSample(false, 0) != Sample {
		t.Error("expected base rate 1.0 to sample everything")
	}

	s = NewErrorBasedSampler(0.0)
	if s.ShouldSample(false, 1) != Drop {
		t.Error("expected base rate 0.0 to drop non-errors")
	}
}

func TestSlowRequestSamplerAlwaysSamplesAboveThreshold(t *testing.T) {
	s := NewSlowRequestSampler(500, 0.0)
	if s.ShouldSample(500) != Sample {
		t.Error("expected duration at threshold to sample")
	}
	if s.ShouldSample(501) != Sample {
		t.Error("expected duration above threshold to sample")
	}
}

func TestSlowRequestSamplerBaseRateBelowThreshold(t *testing.T) {
	s := NewSlowRequestSampler(500, 1.0)
	if s.ShouldSample(10) != Sample {
		t.Error("expected base rate 1.0 to sample fast requests")
	}

	s = NewSlowRequestSampler(500, 0.0)
	if s.ShouldSample(10) != Drop {
		t.Error("expected base rate 0.0 to drop fast requests")
	}
}

func TestRuleSamplerFirstMatchWins(t *testing.T) {
	s := NewRuleSampler(0.0)
	s.AddRule(NewRule().WithPathPattern("/uploads/*").WithSampleRate(1.0))
	s.AddRule(NewRule().WithPathPattern("/*").WithSampleRate(0.0))

	if got := s.ShouldSample("/uploads/a.png", "PUT", nil); got != Sample {
		t.Errorf("got %v, want Sample for matching first rule", got)
	}
}

func TestRuleSamplerFallsBackToBaseRate(t *testing.T) {
	s := NewRuleSampler(1.0)
	if got := s.ShouldSample("/anything", "GET", nil); got != Sample {
		t.Errorf("got %v, want Sample from base rate fallback", got)
	}
}

func TestRuleSamplerMethodAndAttributeConstraints(t *testing.T) {
	s := NewRuleSampler(0.0)
	s.AddRule(NewRule().WithMethod("PUT").WithAttribute("bucket", "uploads").WithSampleRate(1.0))

	if got := s.ShouldSample("/x", "GET", map[string]string{"bucket": "uploads"}); got != Drop {
		t.Errorf("wrong method should not match rule, got %v", got)
	}
	if got := s.ShouldSample("/x", "PUT", map[string]string{"bucket": "archive"}); got != Drop {
		t.Errorf("wrong attribute should not match rule, got %v", got)
	}
	if got := s.ShouldSample("/x", "PUT", map[string]string{"bucket": "uploads"}); got != Sample {
		t.Errorf("matching method+attribute should sample, got %v", got)
	}
}

func TestRuleSamplerDeterministicForSamePath(t *testing.T) {
	s := NewRuleSampler(0.5)
	first := s.ShouldSample("/uploads/a.png", "PUT", nil)
	second := s.ShouldSample("/uploads/a.png", "PUT", nil)
	if first != second {
		t.Error("expected deterministic decision for same path")
	}
}

func TestSpanContextRoundTrip(t *testing.T) {
	ctx := Context{
		TraceID:    "0af7651916cd43dd8448eb211c80319c",
		SpanID:     "b7ad6b7169203331",
		TraceFlags: 0x01,
	}

	sc, ok := ctx.SpanContext()
	if !ok {
		t.Fatal("expected a valid SpanContext")
	}
	if !sc.IsSampled() {
		t.Error("expected sampled flag to carry through")
	}
	if !sc.IsRemote() {
		t.Error("expected SpanContext to be marked remote")
	}

	back := FromSpanContext(sc)
	if back.TraceID != ctx.TraceID || back.SpanID != ctx.SpanID || back.TraceFlags != ctx.TraceFlags {
		t.Errorf("round trip mismatch: got %+v, want %+v", back, ctx)
	}
}

func TestSpanContextRejectsAllZeroTraceID(t *testing.T) {
	ctx := Context{TraceID: strings.Repeat("0", 32), SpanID: "b7ad6b7169203331"}
	if _, ok := ctx.SpanContext(); ok {
		t.Error("expected all-zero trace id to be invalid")
	}
}

func TestGenerateContextProducesValidTraceparent(t *testing.T) {
	ctx := GenerateContext()
	if len(ctx.TraceID) != 32 || !isLowerHex(ctx.TraceID) {
		t.Errorf("trace id = %q, want 32 lowercase hex chars", ctx.TraceID)
	}
	if len(ctx.SpanID) != 16 || !isLowerHex(ctx.SpanID) {
		t.Errorf("span id = %q, want 16 lowercase hex chars", ctx.SpanID)
	}
	if _, ok := ParseTraceparent(ctx.Traceparent()); !ok {
		t.Error("generated context should format to a parseable traceparent")
	}
}

func TestGenerateContextIsUnsampledByDefault(t *testing.T) {
	ctx := GenerateContext()
	if ctx.IsSampled() {
		t.Error("expected a freshly generated context to start unsampled")
	}
}
