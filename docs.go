// oidcrp provides the relying-party side of the OpenID Connect authorization
// code flow: initiating an authentication request, validating the provider's
// callback, and establishing or tearing down a local session.
//
// See README.md
package oidcrp
