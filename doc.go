// Package oauth exposes the authorization server core over HTTP.
//
// Handler serves the authorization, token, revocation (RFC 7009) and
// introspection (RFC 7662) endpoints plus RFC 8414 metadata. Grant logic
// lives in the server package; storage backends live under storage.
//
//	srv, _ := server.New(memory.New(), nil, logger)
//	h := oauth.NewHandler(srv, &oauth.Config{Issuer: "https://auth.example.com"})
//	defer h.Close()
//	http.ListenAndServe(":8080", h.Routes())
//
// Resource servers protect their own routes with ValidateToken and RequireScope.
package oauth
