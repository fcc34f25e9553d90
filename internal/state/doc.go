package state

// Package state is the durable record of modules, jobs, logs and results.
//
// It holds no business logic: every method is a single self-contained
// statement against SQLite, safe for concurrent callers. The scheduler
// owns the in-memory picture of what is running; this package owns what
// survives a restart.
