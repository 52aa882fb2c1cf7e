/*
backend implements rp.Authenticator against a real OpenID Provider: it
performs the authorization code exchange, verifies the issued id_token
(signature, audience and nonce), and resolves the authenticated principal
from the token claims and the userinfo endpoint.

It also exposes the provider's discovery document as an rp.MetadataSource,
and an in-process TestProvider for tests.
*/
package backend
