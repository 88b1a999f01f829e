// Package models maps tiers to cached model files and keeps the cache
// populated.
//
// A tier's files live in <root>/<tier id>. Downloads go through a ".part"
// file that is resumed with HTTP range requests and renamed into place only
// when complete, so an interrupted fetch never leaves a truncated model under
// its final name. A per-tier file lock keeps two dropscribe processes from
// fetching the same tier at once.
package models
