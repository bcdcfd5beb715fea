// Package ports defines the capability sets (interfaces) that connect the
// control plane's core logic (internal/server, internal/agent) to
// pluggable adapters (internal/server/catalog, internal/server/keystore,
// the PSAT plugin in internal/server/nodeattestor, and
// internal/agent/workloadattestor/k8s). Each interface is a minimal
// operation signature for one role - catalog, key store, node attestor,
// workload attestor - chosen at startup by configuration, never by
// subclassing.
//
// Ports never call back into the core: KeyManager calls Catalog, Catalog
// never calls KeyManager. Change notification flows through polling a
// version counter (Catalog.TrustBundleStore), not callbacks (spec §9).
package ports
