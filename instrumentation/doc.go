// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// Instrumentation is disabled by default and then costs nothing: no-op
// meter and tracer providers are used. When enabled, metrics can be exported
// in Prometheus format and spans can be shipped to an OTLP/HTTP collector.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "oauth-server",
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//		TracesExporter:  instrumentation.TracesExporterOTLP,
//		OTLPEndpoint:    "otel-collector:4318",
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.PrometheusHandler())
//
// # Available Metrics
//
// HTTP:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Grants and tokens:
//   - oauth.authorization.requests{response_type, result}
//   - oauth.code.issued{client_id}, oauth.code.redeemed{client_id, success}
//   - oauth.token.issued{grant_type, kind}
//   - oauth.token.refreshed{client_id, rotated}
//   - oauth.token.revoked{client_id, found}
//   - oauth.token.introspected{active}
//   - oauth.grant.failures{grant_type, error}
//   - oauth.client.registered{client_type}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.client.auth_failures{reason}
//   - oauth.audit.events{event_type}
//
// Storage:
//   - oauth.storage.operations.total{operation, result}
//   - oauth.storage.operation.duration{operation}
//   - oauth.storage.{access_tokens,refresh_tokens,codes,clients,users} gauges
//
// Span attributes never carry token values, codes, or secrets.
package instrumentation
