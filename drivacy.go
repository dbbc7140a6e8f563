/*
Package drivacy implements a multi-party private information retrieval (PIR)
protocol engine. A set of non-colluding parties, each sharded across a fixed
number of machines, jointly resolve client lookups against a replicated
key/value table without any single party learning the queried key or the
returned value.

The interesting engineering lives in three places: the client-side query
construction and response reconstruction (package client), the per-party
cryptographic query/response transforms (package protocol), and the
incremental cross-machine Knuth-shuffle mixing network that routes queries
and responses between parties (package shuffle).
*/
package drivacy
