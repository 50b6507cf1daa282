// Package rendezvous lets the machines of a distributed job find each other,
// agree on shared state and move bytes between their memories.
//
// A `Node` is one machine of the job. It bundles:
//
//   - a client of the coordination service (package ctrl): barriers,
//     run-once locks, a blocking key/value store and counters,
//   - a `transport.Transport` matching sends and receives by token,
//   - a `Network`, the QUIC endpoint everything above runs on.
//
// ## How it works
//
// Exactly one node hosts the coordination service (`WithCtrlServer`). The
// others reach it either through its address (`WithCtrlAddr`) or, when the
// cluster gossips, by looking for the member that advertises it once
// `Node.JoinCluster` returns.
//
// Machine ids are resolved to addresses by a `Directory`. With `WithPeers`
// the table is static, otherwise every member gossips its id and address
// using [`hashicorp/memberlist`][dep-mbl], whose packets and streams are
// carried by the same QUIC connections as the rest of the traffic.
//
// Each QUIC stream starts with an init frame naming its `StreamMode`:
//
//   - gossip streams are handed to memberlist,
//   - ctrl streams carry one request and its response,
//   - msg streams carry one transfer message,
//   - read streams fetch a registered memory region of the remote.
//
// Connections are established lazily and shared by all the modes, peers are
// authenticated with mTLS.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
package rendezvous
