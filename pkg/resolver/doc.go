// Package resolver turns resource references into validated manifests.
//
// A reference is a URL. The scheme picks the transport: http and https go
// through net/http, file and bare paths read the local filesystem, asset
// reads the installation bundle and sftp fetches from a mirror over SSH.
// References of a record are tried in order.
//
// Fetched bytes must be a single YAML document matching the #Manifest CUE
// schema. Accepted payloads are stored in the payload cache under their
// id and version, keyed by an xxhash64 digest.
//
// Transport failures map to engine error codes: ErrUnreachable becomes
// ErrCodeUnreachable, ErrNotFound becomes ErrCodeNotFound, and oversized or
// malformed payloads become ErrCodeInvalidPayload.
package resolver
