/*
rp implements the relying-party side of the OIDC authorization code flow as a
set of http.HandlerFunc constructors: AuthenticationRequest begins a flow and
redirects the user agent to the OpenID Provider, Callback validates the
provider's authorization response and establishes a local session, and Logout
tears the session down.

Session storage, user authentication (code exchange, token verification and
principal resolution) and OP metadata lookup are external collaborators
supplied as interfaces: SessionStore, Authenticator and MetadataSource. See
the session and backend packages for implementations.
*/
package rp
