package process

import (
	"context"
	"os"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ReapChildren terminates leftover child processes of the current process
// whose name contains match (case-insensitive). Each survivor gets SIGTERM,
// then SIGKILL after grace. It returns how many processes were signalled.
func ReapChildren(ctx context.Context, match string, grace time.Duration) (int, error) {
	self, err := gopsproc.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	children, err := self.ChildrenWithContext(ctx)
	if err != nil {
		// gopsutil reports ErrorNoChildren when there is nothing to do
		return 0, nil
	}
	match = strings.ToLower(match)
	var victims []*gopsproc.Process
	for _, c := range children {
		name, err := c.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if match == "" || strings.Contains(strings.ToLower(name), match) {
			victims = append(victims, c)
		}
	}
	for _, v := range victims {
		_ = v.TerminateWithContext(ctx)
	}
	deadline := time.Now().Add(grace)
	for _, v := range victims {
		for time.Now().Before(deadline) {
			if ok, _ := v.IsRunningWithContext(ctx); !ok {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		if ok, _ := v.IsRunningWithContext(ctx); ok {
			_ = v.KillWithContext(ctx)
		}
	}
	return len(victims), nil
}

// OpenFDs returns the number of open file descriptors of this process,
// or -1 when the platform does not expose it.
func OpenFDs() int32 {
	self, err := gopsproc.NewProcess(int32(os.Getpid()))
	if err != nil {
		return -1
	}
	n, err := self.NumFDs()
	if err != nil {
		return -1
	}
	return n
}

// FDLimit returns the soft limit on open files for this process. ok is
// false when the platform does not report it.
func FDLimit() (soft uint64, ok bool) {
	self, err := gopsproc.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, false
	}
	limits, err := self.Rlimit()
	if err != nil {
		return 0, false
	}
	for _, l := range limits {
		if l.Resource == gopsproc.RLIMIT_NOFILE {
			return l.Soft, true
		}
	}
	return 0, false
}
