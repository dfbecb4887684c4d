// Package placement maps logical tensors onto parallel groups of devices.
//
// It defines:
//
//   - ProcessCtx: the topology position of the current process (its rank in
//     the world and how ranks map to machines/devices). It is passed
//     explicitly, never read from ambient global state.
//   - ParallelDesc: the group of (machine, device) pairs a distributed tensor
//     lives on.
//   - Distribution: the SBP signature, one entry per tensor axis saying
//     whether that axis is split, broadcast or partially reduced across the
//     group.
//   - The pure shape algebra translating a logical shape to each rank's
//     physical shard shape and back.
package placement

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ProcessCtxEnvVar optionally configures the default ProcessCtx as
// "rank/worldSize" or "rank/worldSize/devicesPerNode".
// Prefer constructing a ProcessCtx explicitly and passing it down; the
// environment variable exists for processes launched by an external runner.
const ProcessCtxEnvVar = "DISTENSOR_PROCESS_CTX"

// ProcessCtx describes where the current process sits in the distributed
// topology. Rank r on a topology with d devices per node runs on machine
// r/d and drives local device r%d.
type ProcessCtx struct {
	rank           int
	worldSize      int
	devicesPerNode int
}

// NewProcessCtx returns a validated ProcessCtx.
func NewProcessCtx(rank, worldSize, devicesPerNode int) (*ProcessCtx, error) {
	if worldSize <= 0 {
		return nil, errors.Errorf("world size must be positive, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("rank %d out of range [0, %d)", rank, worldSize)
	}
	if devicesPerNode <= 0 {
		return nil, errors.Errorf("devices per node must be positive, got %d", devicesPerNode)
	}
	return &ProcessCtx{rank: rank, worldSize: worldSize, devicesPerNode: devicesPerNode}, nil
}

// ProcessCtxFromEnv builds a ProcessCtx from ProcessCtxEnvVar.
// A missing variable yields the single-process context "0/1/1".
func ProcessCtxFromEnv() (*ProcessCtx, error) {
	value, found := os.LookupEnv(ProcessCtxEnvVar)
	if !found || value == "" {
		return NewProcessCtx(0, 1, 1)
	}
	parts := strings.Split(value, "/")
	if len(parts) != 2 && len(parts) != 3 {
		return nil, errors.Errorf("%s=%q: want \"rank/worldSize[/devicesPerNode]\"", ProcessCtxEnvVar, value)
	}
	var rank, worldSize int
	devicesPerNode := 1
	if _, err := fmt.Sscanf(parts[0], "%d", &rank); err != nil {
		return nil, errors.Wrapf(err, "%s=%q: bad rank", ProcessCtxEnvVar, value)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &worldSize); err != nil {
		return nil, errors.Wrapf(err, "%s=%q: bad world size", ProcessCtxEnvVar, value)
	}
	if len(parts) == 3 {
		if _, err := fmt.Sscanf(parts[2], "%d", &devicesPerNode); err != nil {
			return nil, errors.Wrapf(err, "%s=%q: bad devices per node", ProcessCtxEnvVar, value)
		}
	}
	ctx, err := NewProcessCtx(rank, worldSize, devicesPerNode)
	return ctx, errors.Wrapf(err, "%s=%q", ProcessCtxEnvVar, value)
}

// Rank of the current process in [0, WorldSize).
func (c *ProcessCtx) Rank() int { return c.rank }

// WorldSize is the total number of processes.
func (c *ProcessCtx) WorldSize() int { return c.worldSize }

// MachineID is the machine the current process runs on.
func (c *ProcessCtx) MachineID() int { return c.rank / c.devicesPerNode }

// DeviceIndex is the local device the current process drives on its machine.
func (c *ProcessCtx) DeviceIndex() int { return c.rank % c.devicesPerNode }

// String implements fmt.Stringer.
func (c *ProcessCtx) String() string {
	return fmt.Sprintf("rank %d/%d (machine %d, device %d)",
		c.rank, c.worldSize, c.MachineID(), c.DeviceIndex())
}
