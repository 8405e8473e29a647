// Package session keeps a Redis-backed directory of who is online, on which
// server instance, and which users are members of each room. The directory
// is advisory: writes are best-effort and never gate real-time delivery.
package session
