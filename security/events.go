package security

// Audit event types.
const (
	// Token lifecycle
	EventTokenIssued      = "token_issued"
	EventTokenRefreshed   = "token_refreshed"
	EventTokenRevoked     = "token_revoked"
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // event name, not a credential

	// Authorization endpoint
	EventAuthorizationCodeIssued   = "authorization_code_issued"
	EventAuthorizationCodeRedeemed = "authorization_code_redeemed"
	EventAccessDenied              = "access_denied"

	// Failures worth correlating
	EventAuthFailure            = "auth_failure"
	EventInvalidCredentials     = "invalid_credentials"
	EventInvalidGrant           = "invalid_grant"
	EventScopeEscalationAttempt = "scope_escalation_attempt"
	EventRateLimitExceeded      = "rate_limit_exceeded"

	// Registry management
	EventClientRegistered        = "client_registered"
	EventClientSecretRegenerated = "client_secret_regenerated" //nolint:gosec // event name, not a credential
	EventClientUpdated           = "client_updated"
	EventClientDeleted           = "client_deleted"
	EventUserRegistered          = "user_registered"
	EventUserUpdated             = "user_updated"
)
