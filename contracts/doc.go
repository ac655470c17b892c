// Package contracts defines the wire types exchanged by the rpcbridge.
//
// This package contains:
//   - Payload / Request: the inbound call envelope and its validation
//   - Response / ErrorShape: the outbound reply envelope and error taxonomy
//   - ChangeEvent: the create/update/remove notification broadcast on mutations
//   - Topic helpers: request binding patterns and change routing keys
//
// Every failure, regardless of where it happened, is encoded as an ErrorShape so
// callers see a single error format on the wire.
package contracts
