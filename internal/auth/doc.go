// Package auth guards the gateway's admin HTTP API.
//
// Agents never use this package: they authenticate over the WebSocket with
// the opaque tokens issued by the identity store. Operators calling /api/*
// present an HS256 JWT signed with auth.jwt_secret:
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("ops", 24*time.Hour)
//
// HTTPAuthMiddleware rejects requests without a valid bearer token with a
// 401 JSON body and stores the token subject in the request context, where
// FromContext retrieves it.
//
// Secrets shorter than MinSecretLength bytes are refused.
package auth
