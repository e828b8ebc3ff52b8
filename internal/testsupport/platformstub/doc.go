// Package platformstub hosts a deterministic Graph-style HTTP fake for
// platform client and orchestration tests. It tracks issued tokens, created
// broadcasts, and posted comments, and lets tests expire credentials or end
// broadcasts to drive recovery paths without touching the network.
package platformstub
