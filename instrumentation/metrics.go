package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grants and tokens
	AuthorizationRequests metric.Int64Counter
	CodeIssued            metric.Int64Counter
	CodeRedeemed          metric.Int64Counter
	TokensIssued          metric.Int64Counter
	TokenRefreshed        metric.Int64Counter
	TokenRevoked          metric.Int64Counter
	TokenIntrospected     metric.Int64Counter
	GrantFailures         metric.Int64Counter
	ClientRegistered      metric.Int64Counter

	// Security
	RateLimitExceeded  metric.Int64Counter
	ClientAuthFailures metric.Int64Counter
	AuditEventsTotal   metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageAccessTokens      metric.Int64ObservableGauge
	StorageRefreshTokens     metric.Int64ObservableGauge
	StorageCodes             metric.Int64ObservableGauge
	StorageClients           metric.Int64ObservableGauge
	StorageUsers             metric.Int64ObservableGauge
}

type counterSpec struct {
	dst         *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

type gaugeSpec struct {
	dst         *metric.Int64ObservableGauge
	name        string
	description string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.AuthorizationRequests, serverMeter, "oauth.authorization.requests", "Authorization endpoint outcomes", "{request}"},
		{&m.CodeIssued, serverMeter, "oauth.code.issued", "Authorization codes issued", "{code}"},
		{&m.CodeRedeemed, serverMeter, "oauth.code.redeemed", "Authorization code redemption attempts", "{code}"},
		{&m.TokensIssued, serverMeter, "oauth.token.issued", "Access and refresh tokens issued", "{token}"},
		{&m.TokenRefreshed, serverMeter, "oauth.token.refreshed", "Refresh token grants served", "{refresh}"},
		{&m.TokenRevoked, serverMeter, "oauth.token.revoked", "Revocation requests", "{revocation}"},
		{&m.TokenIntrospected, serverMeter, "oauth.token.introspected", "Introspection requests", "{request}"},
		{&m.GrantFailures, serverMeter, "oauth.grant.failures", "Token endpoint failures by error code", "{failure}"},
		{&m.ClientRegistered, serverMeter, "oauth.client.registered", "Clients registered", "{client}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.rate_limit.exceeded", "Rate limit violations", "{violation}"},
		{&m.ClientAuthFailures, securityMeter, "oauth.client.auth_failures", "Failed client authentications", "{failure}"},
		{&m.AuditEventsTotal, securityMeter, "oauth.audit.events", "Security audit events", "{event}"},
		{&m.StorageOperationTotal, storageMeter, "oauth.storage.operations.total", "Storage operations", "{operation}"},
	}
	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []gaugeSpec{
		{&m.StorageAccessTokens, "oauth.storage.access_tokens", "Stored access tokens"},
		{&m.StorageRefreshTokens, "oauth.storage.refresh_tokens", "Stored refresh tokens"},
		{&m.StorageCodes, "oauth.storage.codes", "Stored authorization codes"},
		{&m.StorageClients, "oauth.storage.clients", "Registered clients"},
		{&m.StorageUsers, "oauth.storage.users", "Registered users"},
	}
	for _, g := range gauges {
		gauge, err := storageMeter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{item}"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.dst = gauge
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorization records an authorization endpoint outcome. result is
// "success" or an OAuth error code.
func (m *Metrics) RecordAuthorization(ctx context.Context, responseType, result string) {
	m.AuthorizationRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("response_type", responseType),
		attribute.String("result", result),
	))
}

func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

func (m *Metrics) RecordCodeRedeemed(ctx context.Context, clientID string, success bool) {
	m.CodeRedeemed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("success", success),
	))
}

// RecordTokenIssued records an issued token. kind is "access" or "refresh".
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType, kind string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string, found bool) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("found", found),
	))
}

func (m *Metrics) RecordIntrospection(ctx context.Context, active bool) {
	m.TokenIntrospected.Add(ctx, 1, metric.WithAttributes(attribute.Bool("active", active)))
}

func (m *Metrics) RecordGrantFailure(ctx context.Context, grantType, errorCode string) {
	m.GrantFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("error", errorCode),
	))
}

func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String("client_type", clientType)))
}

func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter_type", limiterType)))
}

func (m *Metrics) RecordClientAuthFailure(ctx context.Context, reason string) {
	m.ClientAuthFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordStorageOperation records a storage operation. result is "success" or "error".
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
