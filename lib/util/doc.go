// Package util provides small helpers shared by the engine and the RPC layer:
//   - functions: seeded FNV-1a hashing and random seeds
//   - statistics: summary statistics, key distribution quality and a value size histogram
package util
