// Package auth turns request credentials into an authenticated identity for
// parlor's HTTP API.
//
// # Identity
//
// Every authenticated request carries an AuthContext with the caller's
// account id and role (user, operator, persona, admin). Handlers read it
// with FromContext and never re-derive it.
//
// # Authentication Modes
//
//   - JWT Tokens: HS256 bearer tokens signed with auth.jwt_secret. The "sub"
//     claim is the account id and "role" the account role. Mint them with
//     `parlor token`.
//
//   - Trusted Headers: with auth.trusted_headers enabled, the identity is
//     read from X-Parlor-Account and X-Parlor-Role as set by an identity
//     proxy in front of parlor.
//
// Either way the account must exist and hold the claimed role.
//
// # Role Gates
//
//	mux.Handle("POST /api/admin/accounts", auth.RequireRole(store.RoleAdmin)(h))
package auth
