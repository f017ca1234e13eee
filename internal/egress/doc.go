// Package egress parses proxy lists and hands out endpoints round-robin.
//
// Accepted line formats:
//
//	host:port
//	host:port:user:pass
//	user:pass@host:port
//	scheme://[user:pass@]host:port
//
// Blank lines and lines starting with '#' are ignored. An empty pool means
// every attempt connects directly.
package egress
