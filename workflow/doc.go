// Package workflow implements the graph engine at the heart of FlowRun: the
// serializable workflow definition, the per-session variable pool, the typed
// event stream, and the traversal engine that executes a definition to
// completion or to a user-input wait.
//
// The engine is deliberately single-threaded per session: one worker owns one
// session at a time, node invocations are strictly serial, and Redis (behind
// the store interfaces) is the only cross-process shared state.
package workflow
