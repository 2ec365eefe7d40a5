/*
Package radius observes RADIUS accounting traffic on UDP/1813.

Every Accounting-Request is acknowledged with a signed Accounting-Response,
mirrored unchanged to the appliances serving the packet's NAS, and reduced
to an attribute bag posted to the admission router. The observer never
validates the incoming Request-Authenticator and never deduplicates
retransmissions; the downstream state tolerates repeated starts.
*/
package radius
