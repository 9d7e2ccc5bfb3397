// Package wire defines the message and envelope types exchanged between
// agents and the coordinator, and their deterministic CBOR encoding.
package wire
