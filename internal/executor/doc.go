// Package executor runs one claimed build as an isolated child process
// under hard resource ceilings.
//
// Each build gets its own process group so a kill reaches the whole build
// tree, address-space and CPU rlimits applied directly to the child, a
// total wall-clock timeout, and a silence timeout that trips when the
// build stops producing output. Breaching any bound kills the process
// group; the outcome reaches the retry policy as an ordinary build
// failure, never a special-cased state.
package executor
