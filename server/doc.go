// Package server implements the OAuth 2.0 authorization server core.
//
// A Server is built by New over a storage.Store and exposes its components:
//
//   - ClientRegistry: client authentication, redirect URI and grant checks, registration
//   - CredentialVerifier: resource owner password checks and user registration
//   - ScopeValidator: requested scope against allowed scope
//   - AuthorizationCodeManager: single-use authorization codes
//   - TokenManager: access and refresh tokens, rotation, revocation (RFC 7009)
//   - GrantDispatcher: the token endpoint grants and the authorization endpoint
//   - IntrospectionService: token introspection (RFC 7662)
//
// The package has no HTTP dependency. Callers translate requests into
// TokenRequest and AuthorizeRequest values and render *Error results.
//
// Codes and refresh tokens are consumed through the store's conditional
// delete, so concurrent redemptions of the same value succeed at most once.
package server
