package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"strconv"
	"time"

	"github.com/primeee/primehost/driver"
	"github.com/primeee/primehost/util"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	managedInstancePrefix = "ph-instance-"

	// every hosted workload serves HTTP on this port inside the container
	workloadPort = "8080"

	stopTimeout = time.Second * 15
)

// Options contains the configuration for the docker-backed driver
type Options struct {
	Client *client.Client
	Logger *zap.Logger

	// AdvertiseAddr is the address published to users for reaching their
	// instance. Falls back to empty, in which case Inspect omits it.
	AdvertiseAddr string
}

// Client implements driver.Driver against a local docker engine
type Client struct {
	Options
}

var _ driver.Driver = (*Client)(nil)

// NewClient validates the options and returns the docker driver
func NewClient(option Options) (*Client, error) {
	if option.Client == nil {
		return nil, fmt.Errorf("nil Client is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Client{
		Options: option,
	}, nil
}

// CreateAndStart pulls the image, creates the container with the declared
// resource limits and a host port binding, then starts it. The returned
// handle is the engine-assigned container ID.
func (c *Client) CreateAndStart(ctx context.Context, spec driver.Spec) (string, error) {
	out, err := c.Client.ImagePull(ctx, spec.Image, types.ImagePullOptions{})
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot pull image")
	}
	// drain to make sure the pull completed
	io.Copy(ioutil.Discard, out)
	out.Close()

	exposedPort, err := util.GetFreeTCPPort()
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot obtain free TCP port")
	}

	containerPort, err := nat.NewPort("tcp", workloadPort)
	if err != nil {
		return "", extErrors.Wrap(err, "Unable to create port")
	}

	hostBinding := nat.PortBinding{
		HostIP:   "0.0.0.0",
		HostPort: strconv.Itoa(exposedPort),
	}
	portBinding := nat.PortMap{containerPort: []nat.PortBinding{hostBinding}}

	resp, err := c.Client.ContainerCreate(ctx,
		&container.Config{
			Image: spec.Image,
			Env:   spec.Env,
			ExposedPorts: nat.PortSet{
				containerPort: struct{}{},
			},
		},
		&container.HostConfig{
			PortBindings: portBinding,
			Resources: container.Resources{
				Memory:    spec.MemoryMB * 1024 * 1024,
				CPUShares: spec.CPUShare,
			},
		},
		nil, // network config
		managedInstancePrefix+spec.Name,
	)
	if err != nil {
		return "", extErrors.Wrap(err, "Cannot create container")
	}

	if err := c.Client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", extErrors.Wrap(err, "Cannot start container")
	}

	return resp.ID, nil
}

func (c *Client) Start(ctx context.Context, handle string) error {
	if err := c.Client.ContainerStart(ctx, handle, types.ContainerStartOptions{}); err != nil {
		return extErrors.Wrap(err, "Cannot start container")
	}
	return nil
}

func (c *Client) Stop(ctx context.Context, handle string) error {
	timeout := stopTimeout
	if err := c.Client.ContainerStop(ctx, handle, &timeout); err != nil {
		return extErrors.Wrap(err, "Cannot stop container")
	}
	return nil
}

func (c *Client) Restart(ctx context.Context, handle string) error {
	timeout := stopTimeout
	if err := c.Client.ContainerRestart(ctx, handle, &timeout); err != nil {
		return extErrors.Wrap(err, "Cannot restart container")
	}
	return nil
}

func (c *Client) Kill(ctx context.Context, handle string) error {
	if err := c.Client.ContainerKill(ctx, handle, "KILL"); err != nil {
		return extErrors.Wrap(err, "Cannot kill container")
	}
	return nil
}

func (c *Client) Remove(ctx context.Context, handle string) error {
	if err := c.Client.ContainerRemove(ctx, handle, types.ContainerRemoveOptions{
		RemoveVolumes: true,
	}); err != nil {
		if client.IsErrNotFound(err) {
			return driver.ErrNoSuchResource
		}
		return extErrors.Wrap(err, "Cannot remove container")
	}
	return nil
}

// Inspect merges the engine's container state with one stats sample
func (c *Client) Inspect(ctx context.Context, handle string) (*driver.Stats, error) {
	detail, err := c.Client.ContainerInspect(ctx, handle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, driver.ErrNoSuchResource
		}
		return nil, extErrors.Wrap(err, "Cannot inspect container")
	}

	stats := &driver.Stats{
		Running: detail.State != nil && detail.State.Running,
		Addr:    c.AdvertiseAddr,
		Port:    c.publishedPort(detail),
	}

	if !stats.Running {
		return stats, nil
	}

	sample, err := c.Client.ContainerStats(ctx, handle, false)
	if err != nil {
		// state was readable, usage was not: report what we have
		c.Logger.Warn("Cannot sample container stats",
			zap.String("Handle", handle),
			zap.Error(err),
		)
		return stats, nil
	}
	defer sample.Body.Close()

	var usage types.StatsJSON
	if err := json.NewDecoder(sample.Body).Decode(&usage); err != nil {
		c.Logger.Warn("Cannot decode container stats",
			zap.String("Handle", handle),
			zap.Error(err),
		)
		return stats, nil
	}

	stats.MemoryBytes = usage.MemoryStats.Usage
	stats.CPUPercent = cpuPercent(&usage)

	return stats, nil
}

func (c *Client) publishedPort(detail types.ContainerJSON) int {
	if detail.NetworkSettings == nil {
		return 0
	}
	for _, bindings := range detail.NetworkSettings.Ports {
		for _, binding := range bindings {
			if port, err := strconv.Atoi(binding.HostPort); err == nil {
				return port
			}
		}
	}
	return 0
}

// standard docker formula: delta of container cpu over delta of system cpu,
// scaled by the number of cpus
func cpuPercent(usage *types.StatsJSON) float64 {
	cpuDelta := float64(usage.CPUStats.CPUUsage.TotalUsage) - float64(usage.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(usage.CPUStats.SystemUsage) - float64(usage.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	return cpuDelta / systemDelta * float64(len(usage.CPUStats.CPUUsage.PercpuUsage)) * 100
}
