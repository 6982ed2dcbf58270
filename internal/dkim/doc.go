// Package dkim implements RSA-SHA256 DKIM signing with relaxed/relaxed
// canonicalization.
//
// Signing is deterministic: given the same message, key, and timestamp the
// signer produces a byte-identical DKIM-Signature header. The timestamp is
// injected rather than read from the clock so the property holds in tests.
package dkim
