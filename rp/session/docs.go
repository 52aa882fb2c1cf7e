/*
session provides rp.SessionStore implementations: an in-memory store for
tests and single-process relying parties, and a redis-backed store for
anything that runs more than one instance.

Both stores identify a user agent with a random id in an HttpOnly cookie and
rotate that id whenever a principal logs in or out.
*/
package session
