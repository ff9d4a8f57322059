// Package types holds the data shared by drover's packages: job requests and
// records, worker specs, identities and handles, group snapshots, and slot
// assignments.
package types
