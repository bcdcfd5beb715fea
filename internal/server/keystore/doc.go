// Package keystore implements ports.KeyStore backends for ES256 signing
// keys: an in-process memory backend for single-replica/test deployments,
// and a disk-persisted PKCS#8 backend for restart-surviving deployments
// (spec §4.4 "Key Manager").
package keystore
