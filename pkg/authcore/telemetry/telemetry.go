// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry records OpenTelemetry metrics and spans for token
// issuance, introspection and revocation.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ory/fosite"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/stacklok/authcore"

// Metric names.
const (
	MetricGrants         = "authcore_token_grants_total"
	MetricGrantDuration  = "authcore_token_grant_duration"
	MetricIntrospections = "authcore_introspections_total"
	MetricRevocations    = "authcore_revocations_total"
)

// Outcome values other than an RFC 6749 error code.
const (
	OutcomeSuccess  = "success"
	OutcomeActive   = "active"
	OutcomeInactive = "inactive"
)

var (
	attrGrantType = attribute.Key("oauth.grant_type")
	attrOutcome   = attribute.Key("oauth.outcome")
	attrDomain    = attribute.Key("authcore.domain")
	attrClientID  = attribute.Key("oauth.client_id")
	attrTokenHint = attribute.Key("oauth.token_type_hint")
)

// Recorder holds the instruments. The zero value is not usable; use
// NewRecorder or Noop.
type Recorder struct {
	tracer trace.Tracer

	grants         metric.Int64Counter
	grantDuration  metric.Float64Histogram
	introspections metric.Int64Counter
	revocations    metric.Int64Counter
}

// NewRecorder creates the instruments on the given providers.
func NewRecorder(meterProvider metric.MeterProvider, tracerProvider trace.TracerProvider) (*Recorder, error) {
	meter := meterProvider.Meter(instrumentationName)

	grants, err := meter.Int64Counter(
		MetricGrants,
		metric.WithDescription("Total number of token grants by grant type and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants counter: %w", err)
	}
	grantDuration, err := meter.Float64Histogram(
		MetricGrantDuration,
		metric.WithDescription("Duration of token grants in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant duration histogram: %w", err)
	}
	introspections, err := meter.Int64Counter(
		MetricIntrospections,
		metric.WithDescription("Total number of introspections by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create introspections counter: %w", err)
	}
	revocations, err := meter.Int64Counter(
		MetricRevocations,
		metric.WithDescription("Total number of revocations by token type hint and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create revocations counter: %w", err)
	}

	return &Recorder{
		tracer:         tracerProvider.Tracer(instrumentationName),
		grants:         grants,
		grantDuration:  grantDuration,
		introspections: introspections,
		revocations:    revocations,
	}, nil
}

// Noop returns a Recorder that records nothing.
func Noop() *Recorder {
	r, _ := NewRecorder(metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider())
	return r
}

// StartGrant opens a span for one grant dispatch. The returned function
// records the outcome of *err and ends the span.
func (r *Recorder) StartGrant(ctx context.Context, grantType, domain, clientID string, err *error) (context.Context, func()) {
	ctx, span := r.tracer.Start(ctx, "token "+grantType,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attrGrantType.String(grantType),
			attrDomain.String(domain),
			attrClientID.String(clientID),
		),
	)
	start := time.Now()

	return ctx, func() {
		outcome := Outcome(*err)
		attrs := metric.WithAttributes(attrGrantType.String(grantType), attrOutcome.String(outcome))
		r.grants.Add(ctx, 1, attrs)
		r.grantDuration.Record(ctx, time.Since(start).Seconds(), attrs)

		span.SetAttributes(attrOutcome.String(outcome))
		if *err != nil {
			span.RecordError(*err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
	}
}

// RecordIntrospection counts one introspection.
func (r *Recorder) RecordIntrospection(ctx context.Context, active bool) {
	outcome := OutcomeInactive
	if active {
		outcome = OutcomeActive
	}
	r.introspections.Add(ctx, 1, metric.WithAttributes(attrOutcome.String(outcome)))
}

// RecordRevocation counts one revocation.
func (r *Recorder) RecordRevocation(ctx context.Context, hint string, err error) {
	r.revocations.Add(ctx, 1, metric.WithAttributes(
		attrTokenHint.String(hint),
		attrOutcome.String(Outcome(err)),
	))
}

// Outcome maps an error to its RFC 6749 error code, or success for nil.
func Outcome(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	var rfcErr *fosite.RFC6749Error
	if errors.As(err, &rfcErr) {
		return rfcErr.ErrorField
	}
	return fosite.ErrServerError.ErrorField
}
