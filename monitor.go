//go:build linux

package nioproxy

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
	"os"
)

const defOpenFilesLimit = 100000

// RaiseOpenFilesLimit lifts the soft RLIMIT_NOFILE up to limit, bounded by
// the hard limit, and returns the resulting soft limit.
func RaiseOpenFilesLimit(limit uint64) (uint64, error) {
	if limit == 0 {
		limit = defOpenFilesLimit
	}
	rLimit := &unix.Rlimit{}
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, rLimit); err != nil {
		return 0, os.NewSyscallError("getrlimit", err)
	}
	if rLimit.Cur >= limit {
		return rLimit.Cur, nil
	}
	target := limit
	if target > rLimit.Max {
		target = rLimit.Max
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: target, Max: rLimit.Max}); err != nil {
		log.Error().Msgf("error occur while setting OS limit of open files: %+v", err)
		return rLimit.Cur, os.NewSyscallError("setrlimit", err)
	}
	log.Info().Msgf("raised open files limit: %d -> %d", rLimit.Cur, target)
	return target, nil
}
