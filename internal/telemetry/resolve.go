package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
	"github.com/eliteGoblin/focusd/dcactivity/internal/policy"
)

type resolution struct {
	pmCode     domain.ResultCode
	pminfoCode domain.ResultCode
	svcCode    domain.ResultCode
	processID  uint64
	programID  uint64
	source     domain.DetectionSource
	found      bool
	sessionErr error
}

// resolve identifies the foreground program. Runs without the lock.
//
// The shell lookup is authoritative. When it fails, live processes are
// scanned and the largest surviving application id is taken as a best
// guess; this is a heuristic, not a proof of which program is in front.
func (s *Snapshot) resolve(ctx context.Context) resolution {
	var res resolution

	pid, primaryErr := s.queries.foregroundProcessID(ctx)
	res.pmCode = domain.CodeOf(primaryErr)
	if primaryErr == nil && pid != 0 {
		res.processID = pid
		programID, err := s.queries.programID(ctx, pid)
		res.pminfoCode = domain.CodeOf(err)
		if err == nil && programID != 0 {
			res.programID = programID
			res.source = domain.SourceShellQuery
			res.found = true
			return res
		}
	}

	pids, scanErr := s.queries.listProcesses(ctx, policy.ScanLimit)
	res.svcCode = domain.CodeOf(scanErr)
	if scanErr != nil {
		if primaryErr != nil {
			res.sessionErr = fmt.Errorf("identity query unavailable: %w", errors.Join(primaryErr, scanErr))
		}
		return res
	}
	if len(pids) > policy.ScanLimit {
		pids = pids[:policy.ScanLimit]
	}

	var best uint64
	for _, candidatePID := range pids {
		candidate, err := s.queries.programID(ctx, candidatePID)
		if err != nil || !s.filter.Allows(candidate) {
			continue
		}
		if candidate > best {
			best = candidate
			res.processID = candidatePID
			res.programID = candidate
			res.pminfoCode = domain.CodeSuccess
		}
	}

	if best != 0 {
		res.source = domain.SourceProcessScan
		res.found = true
	}
	return res
}
