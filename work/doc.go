// Package work arms timed tasks with a persistent scheduler, so they are
// resurrected (typically by starting a new script thread) at the right
// time, even across process restarts.
//
// [Provider] is the façade hosts use. It delegates arming to a [Backend],
// and guards against stale firings using per-arming tokens: a firing is
// only acted on if it carries the token of the latest arming of its key.
// [PollingBackend] is a [Backend] over any [Store], such as [MemoryStore]
// or the SQLite store in the sqlitestore subpackage.
//
// A periodic re-check job re-arms pending tasks (per the host's
// [TaskSource]) that the backend lost, and doubles as a health probe, see
// [Provider.IsCheckWorkFine].
package work
