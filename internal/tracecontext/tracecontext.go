// Package tracecontext implements the W3C Trace Context header codec and a
// set of sampling strategies used to decide whether a span gets exported.
package tracecontext

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Context is a parsed W3C trace context.
type Context struct {
	TraceID    string
	SpanID     string
	TraceFlags byte
	TraceState string
}

// IsSampled reports whether the sampled bit (bit 0) is set.
func (c Context) IsSampled() bool {
	return c.TraceFlags&0x01 != 0
}

// SetSampled sets or clears the sampled bit.
func (c *Context) SetSampled(sampled bool) {
	if sampled {
		c.TraceFlags |= 0x01
	} else {
		c.TraceFlags &^= 0x01
	}
}

// Traceparent formats the context as a traceparent header value:
// "00-<trace-id>-<span-id>-<flags>".
func (c Context) Traceparent() string {
	var b strings.Builder
	b.Grow(55)
	b.WriteString("00-")
	b.WriteString(c.TraceID)
	b.WriteByte('-')
	b.WriteString(c.SpanID)
	b.WriteByte('-')
	fmt.Fprintf(&b, "%02x", c.TraceFlags)
	return b.String()
}

// Extract looks up traceparent/tracestate in headers and parses them. It
// tries the lowercase, Title-Case and UPPER-CASE names through
// http.Header.Get, which canonicalizes each of them to the same key, and
// then falls back to a case-insensitive scan that finds a key stored in
// the map under any other casing.
func Extract(headers http.Header) (Context, bool) {
	tp := lookupHeader(headers, "traceparent", "Traceparent", "TRACEPARENT")
	if tp == "" {
		return Context{}, false
	}

	ctx, ok := ParseTraceparent(tp)
	if !ok {
		return Context{}, false
	}

	ctx.TraceState = lookupHeader(headers, "tracestate", "Tracestate", "TRACESTATE")
	return ctx, true
}

func lookupHeader(headers http.Header, candidates ...string) string {
	for _, name := range candidates {
		if v := headers.Get(name); v != "" {
			return v
		}
	}
	for name, values := range headers {
		for _, candidate := range candidates {
			if strings.EqualFold(name, candidate) && len(values) > 0 {
				return values[0]
			}
		}
	}
	return ""
}

// ParseTraceparent parses a raw traceparent header value. Returns ok=false
// for anything that doesn't match the W3C grammar; that is not a failure,
// just the absence of a context.
func ParseTraceparent(raw string) (Context, bool) {
	parts := strings.Split(raw, "-")
	if len(parts) != 4 {
		return Context{}, false
	}

	if parts[0] != "00" {
		return Context{}, false
	}

	traceID := parts[1]
	if len(traceID) != 32 || !isLowerHex(traceID) {
		return Context{}, false
	}

	spanID := parts[2]
	if len(spanID) != 16 || !isLowerHex(spanID) {
		return Context{}, false
	}

	flagsStr := parts[3]
	if len(flagsStr) != 2 || !isLowerHex(flagsStr) {
		return Context{}, false
	}
	flags, err := strconv.ParseUint(flagsStr, 16, 8)
	if err != nil {
		return Context{}, false
	}

	return Context{TraceID: traceID, SpanID: spanID, TraceFlags: byte(flags)}, true
}

// Inject writes the context's traceparent (and tracestate, if set) into
// headers.
func Inject(ctx Context, headers http.Header) {
	headers.Set("traceparent", ctx.Traceparent())
	if ctx.TraceState != "" {
		headers.Set("tracestate", ctx.TraceState)
	}
}

// GenerateContext builds a fresh, unsampled Context with a random trace ID
// and span ID, for use when an incoming request carries no traceparent and
// this server becomes the root of a new trace.
func GenerateContext() Context {
	traceID := make([]byte, 16)
	spanID := make([]byte, 8)
	if _, err := rand.Read(traceID); err != nil {
		return Context{}
	}
	if _, err := rand.Read(spanID); err != nil {
		return Context{}
	}
	return Context{
		TraceID: hex.EncodeToString(traceID),
		SpanID:  hex.EncodeToString(spanID),
	}
}

// SpanContext converts the parsed context into an OpenTelemetry remote
// SpanContext, suitable for use as a span's parent via
// trace.ContextWithRemoteSpanContext. Returns ok=false if the trace or span
// ID fails OTel's own validity check (all-zero IDs, for instance).
func (c Context) SpanContext() (sc trace.SpanContext, ok bool) {
	traceID, err := trace.TraceIDFromHex(c.TraceID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanID, err := trace.SpanIDFromHex(c.SpanID)
	if err != nil {
		return trace.SpanContext{}, false
	}

	ts, _ := trace.ParseTraceState(c.TraceState)

	sc = trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.TraceFlags(c.TraceFlags),
		TraceState: ts,
		Remote:     true,
	})
	return sc, sc.IsValid()
}

// FromSpanContext builds a Context from an OpenTelemetry SpanContext, the
// inverse of SpanContext.
func FromSpanContext(sc trace.SpanContext) Context {
	return Context{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		TraceFlags: byte(sc.TraceFlags()),
		TraceState: sc.TraceState().String(),
	}
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
