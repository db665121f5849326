// Package ratelimit throttles clients by a per-request key, normally the
// hashed client address that httpmw.ProxyFix resolved.
//
// State is in-memory and per instance. It keeps one client from flooding a
// single process; distributed floods need an upstream WAF or CDN limit.
// The visitor table is capped so a spray of distinct addresses cannot grow
// it without bound, and idle entries are evicted in the background.
package ratelimit
