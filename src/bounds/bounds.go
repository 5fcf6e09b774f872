// Package bounds names the call sites that must periodically check a
// resource budget instead of looping unboundedly. It mirrors the
// (unretrieved) teacher package of the same name, reconstructed from
// its call sites in vm/as.go and vm/userbuf.go.
package bounds

// Point identifies a loop body that consumes budget on every
// iteration.
type Point int

const (
	B_ASPACE_T_K2USER_INNER Point = iota
	B_ASPACE_T_USER2K_INNER
	B_USERBUF_T__TX
	B_USERIOVEC_T_IOV_INIT
	B_USERIOVEC_T__TX
	B_SHADOW_CHAIN_WALK
)
