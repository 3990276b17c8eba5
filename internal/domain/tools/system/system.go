// Package system provides local tools that need no external service.
package system

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"mpai-server-go/internal/domain/tools"
)

const (
	OpGetCurrentTime  = "get_current_time"
	OpGetServerStatus = "get_server_status"
)

// Status is a snapshot of the host the server runs on.
type Status struct {
	Hostname      string
	Platform      string
	Uptime        time.Duration
	CPUs          int
	MemoryTotal   uint64
	MemoryUsed    uint64
	MemoryPercent float64
}

type Tool struct {
	timezone string
	now      func() time.Time
	probe    func(ctx context.Context) (Status, error)
}

var _ tools.DescribedTool = (*Tool)(nil)

// New returns the tool; an empty timezone means UTC.
func New(timezone string) *Tool {
	if timezone == "" {
		timezone = "UTC"
	}
	return &Tool{timezone: timezone, now: time.Now, probe: probeHost}
}

func (t *Tool) Name() string        { return "system" }
func (t *Tool) Description() string { return "Server-side utilities" }

func (t *Tool) DescribeOperations() []tools.Operation {
	return []tools.Operation{
		{
			Name:        OpGetCurrentTime,
			Description: "Get the current date and time",
			Params: []tools.Param{
				{Name: "timezone", Description: "IANA timezone name, e.g. Europe/Berlin", Default: t.timezone, HasDefault: true},
			},
		},
		{
			Name:        OpGetServerStatus,
			Description: "Get uptime, CPU count and memory usage of the server host",
		},
	}
}

func (t *Tool) Call(ctx context.Context, operation string, args map[string]any) (tools.Result, error) {
	switch operation {
	case OpGetCurrentTime:
		return t.currentTime(args)
	case OpGetServerStatus:
		return t.serverStatus(ctx)
	default:
		return nil, fmt.Errorf("unsupported operation %q", operation)
	}
}

func (t *Tool) currentTime(args map[string]any) (tools.Result, error) {
	name := t.timezone
	if s, ok := args["timezone"].(string); ok && s != "" {
		name = s
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", name)
	}

	now := t.now().In(loc)
	return tools.Result{
		"success":  true,
		"message":  fmt.Sprintf("Current time in %s: %s", name, now.Format("Monday, 02 January 2006 15:04:05 MST")),
		"time":     now.Format(time.RFC3339),
		"timezone": name,
	}, nil
}

func (t *Tool) serverStatus(ctx context.Context) (tools.Result, error) {
	st, err := t.probe(ctx)
	if err != nil {
		return nil, fmt.Errorf("read host status: %w", err)
	}
	uptime := st.Uptime.Truncate(time.Minute)
	return tools.Result{
		"success": true,
		"message": fmt.Sprintf("%s (%s) up %s, %d CPUs, memory %.1f%% used (%s of %s)",
			st.Hostname, st.Platform, uptime, st.CPUs, st.MemoryPercent, humanBytes(st.MemoryUsed), humanBytes(st.MemoryTotal)),
		"hostname":       st.Hostname,
		"platform":       st.Platform,
		"uptime_seconds": int64(st.Uptime.Seconds()),
		"cpus":           st.CPUs,
		"memory_total":   st.MemoryTotal,
		"memory_used":    st.MemoryUsed,
		"memory_percent": st.MemoryPercent,
	}, nil
}

func probeHost(ctx context.Context) (Status, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return Status{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Status{}, err
	}
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Hostname:      info.Hostname,
		Platform:      info.Platform,
		Uptime:        time.Duration(info.Uptime) * time.Second,
		CPUs:          cpus,
		MemoryTotal:   vm.Total,
		MemoryUsed:    vm.Used,
		MemoryPercent: vm.UsedPercent,
	}, nil
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
