package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// DockerProvisioner creates and reaps sandbox containers via the Docker
// Engine API. Grounded on the toolhive container/docker client's
// Create/List shape: build a container.Config/HostConfig pair, expose no
// ports by default (a sandbox talks out to the worker's callback URL, it
// does not need to be dialed into), and tag every container it creates
// with ManagedLabel/WorkerIDLabel for the orphan sweep to find later.
type DockerProvisioner struct {
	cli      *client.Client
	workerID string
}

func NewDockerProvisioner(cli *client.Client, workerID string) *DockerProvisioner {
	return &DockerProvisioner{cli: cli, workerID: workerID}
}

var _ Provisioner = (*DockerProvisioner)(nil)

func (p *DockerProvisioner) Create(ctx context.Context, spec Spec) (string, error) {
	labels := make(map[string]string, len(spec.Labels)+2)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[ManagedLabel] = "true"
	labels[WorkerIDLabel] = p.workerID

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    env,
		Labels: labels,
	}
	hostCfg := &container.HostConfig{
		// Sandboxes run with no inbound network surface; outbound calls to
		// the worker's callback URL go through the default bridge network.
		NetworkMode: container.NetworkMode("bridge"),
		CapDrop:     []string{"ALL"},
	}

	resp, err := p.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("sandbox: create container: %w", err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("sandbox: start container: %w", err)
	}
	return resp.ID, nil
}

func (p *DockerProvisioner) Remove(ctx context.Context, containerID string) error {
	err := p.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("sandbox: remove container %q: %w", containerID, err)
	}
	return nil
}

func (p *DockerProvisioner) ListManaged(ctx context.Context) ([]ContainerInfo, error) {
	f := filters.NewArgs()
	f.Add("label", ManagedLabel+"=true")
	summaries, err := p.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("sandbox: list managed containers: %w", err)
	}
	out := make([]ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, ContainerInfo{
			ID:        s.ID,
			WorkerID:  s.Labels[WorkerIDLabel],
			Labels:    s.Labels,
			CreatedAt: time.Unix(s.Created, 0),
		})
	}
	return out, nil
}
