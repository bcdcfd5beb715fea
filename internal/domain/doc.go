// Package domain contains the core model for the workload-identity control
// plane: registration entries, selectors, signing keys, trust bundles, and
// agent sessions.
//
// This package is the CORE of the hexagonal architecture - it defines
// business entities and value objects with ZERO dependencies on external
// frameworks, SDKs, or infrastructure.
//
// Hexagonal Architecture Boundaries:
//   - Domain NEVER imports from: internal/adapters, internal/ports, internal/server,
//     internal/agent, or any third-party SDK.
//   - Domain ONLY imports from: standard library, other domain types.
//   - Domain exposes: value objects, entities, domain errors.
//   - Domain does NOT: perform I/O, sign anything, or talk to a store.
//
// All crypto, persistence, and network I/O are delegated to ports
// (internal/ports) and implemented by adapters. Domain models remain
// simple value objects plus the pure matching/validation logic that does
// not require a collaborator.
//
// Files and types
// -----------------------
//   - selector.go / selector_set.go
//     Selector, SelectorSet: "TYPE:VALUE" attested facts about a node or
//     workload, and the set operations used to match them against entries.
//
//   - spiffe_id.go
//     SpiffeID: a trust-domain-relative identity credential.
//
//   - entry.go
//     RegistrationEntry: the unit of desired identity, with a
//     content-addressed ID, selectors, TTL, and lifecycle fields.
//
//   - jwk.go / trust_bundle.go
//     JWK, TrustBundle: the public key material relying parties use to
//     validate issued JWT-SVIDs.
//
//   - signing_key.go
//     KeyState and SigningKeyMeta: metadata (kid, created_at, expires_at,
//     state) for a private key owned by a KeyStore adapter.
//
//   - agent_session.go
//     AgentSession: server-side bookkeeping of an attested agent.
//
//   - svid.go
//     JWTSVID: the result of a successful SvidFactory signing operation.
//
//   - errors.go
//     Domain-specific sentinel errors for entry, key, and attestation
//     failures (see internal/ports/errors.go for adapter/infra errors).
package domain
