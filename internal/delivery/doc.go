// Package delivery implements SMTP handoff to recipient mail exchangers.
//
// For each recipient domain the engine resolves MX records, walks the
// exchangers in priority order, and hands the signed message to the first
// one that accepts it. Connections are pooled per exchanger host with
// bounded connection and message-per-connection counts. A development mode
// substitutes a fixed relay target for MX resolution so local runs never
// touch real mail infrastructure.
package delivery
