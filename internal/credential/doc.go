// Package credential issues the short-lived signed tokens the gateway uses
// as its broker password.
//
// A Credential carries {iat, exp, aud=project} claims signed with an RSA
// (RS256 by default) or ECDSA private key. The package holds no timers: the
// session coordinator re-issues and reconnects strictly before ExpiresAt.
//
// Usage:
//
//	issuer, err := credential.NewIssuer("private.pem", "RS256", "my-project", 20*time.Minute)
//	cred, err := issuer.Issue(clientID)
//	// cred.Token is the broker password
package credential
