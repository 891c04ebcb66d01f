// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package sysinfo reports a host snapshot for the system.info command.
package sysinfo

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const cacheTTL = 2 * time.Second

// Snapshot is the system.info result. Fields the platform cannot report are
// left zero.
type Snapshot struct {
	Hostname        string    `json:"hostname"`
	OS              string    `json:"os"`
	Platform        string    `json:"platform"`
	PlatformVersion string    `json:"platformVersion,omitempty"`
	KernelVersion   string    `json:"kernelVersion,omitempty"`
	Arch            string    `json:"arch"`
	UptimeSeconds   uint64    `json:"uptimeSeconds"`
	CPUModel        string    `json:"cpuModel,omitempty"`
	CPUCores        int       `json:"cpuCores"`
	CPUUsage        float64   `json:"cpuUsage"`
	LoadAverage     []float64 `json:"loadAverage,omitempty"`
	MemoryTotal     uint64    `json:"memoryTotal"`
	MemoryUsed      uint64    `json:"memoryUsed"`
	MemoryAvailable uint64    `json:"memoryAvailable"`
	TimestampMs     int64     `json:"timestampMs"`
}

// Collector gathers snapshots and caches the last one briefly so a client
// polling system.info does not hammer the host.
type Collector struct {
	log *slog.Logger

	mu          sync.Mutex
	last        Snapshot
	collectedAt time.Time
}

func NewCollector(log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{log: log}
}

// Snapshot returns a recent host snapshot.
func (c *Collector) Snapshot(ctx context.Context) Snapshot {
	now := time.Now()

	c.mu.Lock()
	if !c.collectedAt.IsZero() && now.Sub(c.collectedAt) < cacheTTL {
		out := c.last
		c.mu.Unlock()
		return out
	}
	c.mu.Unlock()

	snap := c.collect(ctx, now)

	c.mu.Lock()
	c.last = snap
	c.collectedAt = now
	c.mu.Unlock()

	return snap
}

func (c *Collector) collect(ctx context.Context, now time.Time) Snapshot {
	snap := Snapshot{
		OS:          runtime.GOOS,
		Platform:    runtime.GOOS,
		Arch:        runtime.GOARCH,
		TimestampMs: now.UnixMilli(),
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.Platform = info.Platform
		snap.PlatformVersion = info.PlatformVersion
		snap.KernelVersion = info.KernelVersion
		snap.UptimeSeconds = info.Uptime
	} else {
		c.log.Warn("host info failed", "error", err)
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	} else {
		c.log.Warn("cpu count failed", "error", err)
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		snap.CPUModel = infos[0].ModelName
	}
	// Interval 0 compares against the previous call, so it never blocks.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUUsage = pct[0]
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryTotal = vm.Total
		snap.MemoryUsed = vm.Used
		snap.MemoryAvailable = vm.Available
	} else {
		c.log.Warn("memory stats failed", "error", err)
	}

	return snap
}
