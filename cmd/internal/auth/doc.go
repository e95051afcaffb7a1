// Package auth authenticates websocket handshakes.
//
// Credentials are HMAC-signed JWT access tokens minted by the identity
// service. The gateway only verifies them:
//   - token from the "token" query parameter or an "Authorization: Bearer" header
//   - HS256/HS384/HS512 only; exp and nbf are enforced
//   - the user id is read from "sub", then "subject", then "user_id", and must be a UUID
package auth
