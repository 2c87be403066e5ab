// Package identity resolves stream tokens to the authenticated (user, guild)
// pair a subscriber registers under. Tokens are issued by the external
// session layer; this package only resolves and expires them. The backing
// store is selected once at startup: in-memory for single-instance
// deployments, Redis when the token issuer runs out of process.
package identity
