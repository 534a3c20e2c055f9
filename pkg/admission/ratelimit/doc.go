// Package ratelimit bounds request arrival rate per identifier over a short
// rolling window.
//
// The default sliding-window mode keeps one timestamped entry per admitted
// request in a shared sorted set and runs purge, tentative insert, count and
// conditional rollback as one atomic store transaction, so concurrent
// checkers across process instances never over-admit. The cheaper fixed
// counter mode trades boundary accuracy for a single counter per discrete
// window.
//
// Denials carry the wait until the next slot opens, derived from the oldest
// surviving entry rather than guessed from the window length.
package ratelimit
