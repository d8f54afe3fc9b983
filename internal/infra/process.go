// Package infra implements the host platform adapters and on-disk stores.
package infra

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
)

// ProcessTable implements process enumeration and program resolution using gopsutil.
// Program ids come from a catalog keyed by executable basename or process
// name (case-insensitive).
type ProcessTable struct {
	catalog map[string]uint64
}

// NewProcessTable creates a process table resolving names through catalog.
func NewProcessTable(catalog map[string]uint64) *ProcessTable {
	lower := make(map[string]uint64, len(catalog))
	for name, id := range catalog {
		lower[strings.ToLower(name)] = id
	}
	return &ProcessTable{catalog: lower}
}

// ListProcesses returns at most max live pids that resolve to a catalogued
// program, newest first.
func (t *ProcessTable) ListProcesses(ctx context.Context, max int) ([]uint64, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, domain.NewResultError("process list", domain.CodeUnavailable, err)
	}
	if max <= 0 || len(t.catalog) == 0 {
		return []uint64{}, nil
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] > pids[j] })

	out := make([]uint64, 0, max)
	for _, pid := range pids {
		if len(out) == max {
			break
		}
		if ctx.Err() != nil {
			return out, nil
		}
		if _, err := t.lookup(ctx, pid); err != nil {
			continue
		}
		out = append(out, uint64(pid))
	}
	return out, nil
}

// ProgramID maps pid to a program id through the catalog.
func (t *ProcessTable) ProgramID(ctx context.Context, pid uint64) (uint64, error) {
	if pid == 0 || pid > math.MaxInt32 {
		return 0, domain.NewResultError("program resolve", domain.CodeNotFound, fmt.Errorf("pid %d out of range", pid))
	}
	id, err := t.lookup(ctx, int32(pid))
	if err != nil {
		return 0, domain.NewResultError("program resolve", domain.CodeNotFound, err)
	}
	return id, nil
}

// lookup matches the executable basename first, then the process name.
// The name is the kernel comm value and is cut to 15 bytes on Linux.
func (t *ProcessTable) lookup(ctx context.Context, pid int32) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0, err
	}

	var names []string
	if exe, err := p.ExeWithContext(ctx); err == nil && exe != "" {
		names = append(names, filepath.Base(exe))
	}
	if name, err := p.NameWithContext(ctx); err == nil && name != "" {
		names = append(names, name)
	}
	if len(names) == 0 {
		return 0, fmt.Errorf("pid %d has no readable name", pid)
	}

	for _, name := range names {
		if id, ok := t.catalog[strings.ToLower(name)]; ok {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%q is not a known program", names[len(names)-1])
}

// Probe reports whether the process table can be read.
func (t *ProcessTable) Probe(ctx context.Context) error {
	if _, err := process.PidsWithContext(ctx); err != nil {
		return domain.NewResultError("process table", domain.CodeUnavailable, err)
	}
	return nil
}

// OpenSession checks the process table is readable and returns a session handle.
func (t *ProcessTable) OpenSession(ctx context.Context) (domain.QuerySession, error) {
	if err := t.Probe(ctx); err != nil {
		return nil, err
	}
	return processSession{}, nil
}

type processSession struct{}

func (processSession) Close() error { return nil }

// ForegroundFile reads the foreground pid from a text file written by an
// external agent. A missing or empty file means nothing is in the foreground.
type ForegroundFile struct {
	path string
}

// NewForegroundLocator returns a file-backed locator, or one that reports
// unsupported when path is empty.
func NewForegroundLocator(path string) domain.ForegroundLocator {
	if path == "" {
		return unsupportedForeground{}
	}
	return &ForegroundFile{path: path}
}

// ForegroundProcessID returns the pid stored in the file.
func (f *ForegroundFile) ForegroundProcessID(ctx context.Context) (uint64, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, domain.NewResultError("foreground lookup", domain.CodeUnavailable, err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	pid, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, domain.NewResultError("foreground lookup", domain.CodeUnknown, err)
	}
	return pid, nil
}

type unsupportedForeground struct{}

func (unsupportedForeground) ForegroundProcessID(ctx context.Context) (uint64, error) {
	return 0, domain.Unsupported("foreground lookup")
}

// Ensure ProcessTable implements the query interfaces.
var (
	_ domain.ProcessLister     = (*ProcessTable)(nil)
	_ domain.ProgramResolver   = (*ProcessTable)(nil)
	_ domain.SessionOpener     = (*ProcessTable)(nil)
	_ domain.Prober            = (*ProcessTable)(nil)
	_ domain.ForegroundLocator = (*ForegroundFile)(nil)
)
