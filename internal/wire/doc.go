// Package wire defines the messages daemons exchange over TCP and how they
// are framed.
//
// Every connection carries exactly one request:
//
//	client                                  daemon
//	  │ ── envelope (one JSON line) ──────────▶ │
//	  │ ── body bytes (UPLOAD only) ──────────▶ │
//	  │ ◀───────────────────────────── reply ── │
//
// NOTIFY, HAVE and UPLOAD are answered with a status line, "200 ok" or
// "500 fails". QUERY is answered with a single "<code> <text>" line. STATUS is
// answered with a JSON document.
//
// Dialer opens the connections, directly or through a SOCKS5 proxy.
package wire
