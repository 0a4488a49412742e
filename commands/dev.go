package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/spf13/cobra"
)

// devDockerAPI is the slice of the Docker client the dev verbs use.
// *client.Client satisfies it; tests substitute a fake.
type devDockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// devService describes one disposable backing container.
type devService struct {
	name  string
	image string
	cmd   []string
	env   []string
	ports []devPort
	hint  string
}

type devPort struct {
	container nat.Port
	host      string
}

// devServices lists the containers "dev up" manages. Auth on the dev
// Neo4j is disabled so the default config connects without edits.
func devServices() []devService {
	return []devService{
		{
			name:  "codestory-dev-neo4j",
			image: "neo4j:5",
			env:   []string{"NEO4J_AUTH=none"},
			ports: []devPort{
				{container: "7687/tcp", host: "7687"},
				{container: "7474/tcp", host: "7474"},
			},
			hint: "bolt://localhost:7687 (authentication disabled)",
		},
		{
			name:  "codestory-dev-nats",
			image: "nats:2.10-alpine",
			cmd:   []string{"-js"},
			ports: []devPort{
				{container: "4222/tcp", host: "4222"},
				{container: "8222/tcp", host: "8222"},
			},
			hint: "nats://localhost:4222 (JetStream enabled)",
		},
	}
}

func newDevCommand(_ *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Manage local development dependencies",
		Long: `Run the backing services codestory needs (Neo4j and NATS) as
disposable Docker containers with ports published on localhost.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Start local Neo4j and NATS containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := newDevDockerClient()
			if err != nil {
				return err
			}
			defer api.Close()
			return devUp(cmd.Context(), api, cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Remove the local containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := newDevDockerClient()
			if err != nil {
				return err
			}
			defer api.Close()
			return devDown(cmd.Context(), api, cmd.OutOrStdout())
		},
	})

	return cmd
}

func newDevDockerClient() (devDockerAPI, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return api, nil
}

func devUp(ctx context.Context, api devDockerAPI, out io.Writer) error {
	for _, svc := range devServices() {
		if err := ensureDevImage(ctx, api, svc.image); err != nil {
			return fmt.Errorf("pull %s: %w", svc.image, err)
		}

		exposed := nat.PortSet{}
		bindings := nat.PortMap{}
		for _, p := range svc.ports {
			exposed[p.container] = struct{}{}
			bindings[p.container] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: p.host}}
		}

		resp, err := api.ContainerCreate(ctx, &container.Config{
			Image:        svc.image,
			Cmd:          svc.cmd,
			Env:          svc.env,
			ExposedPorts: exposed,
			Labels: map[string]string{
				"com.codestory.dev": "true",
			},
		}, &container.HostConfig{
			PortBindings: bindings,
		}, nil, nil, svc.name)
		if errdefs.IsConflict(err) {
			fmt.Fprintf(out, "%s already exists; leaving it alone\n", svc.name)
			continue
		}
		if err != nil {
			return fmt.Errorf("create %s: %w", svc.name, err)
		}

		if err := api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			return fmt.Errorf("start %s: %w", svc.name, err)
		}
		fmt.Fprintf(out, "started %s: %s\n", svc.name, svc.hint)
	}

	fmt.Fprintln(out, "\nrun \"codestory schema init\" once Neo4j finishes booting")
	return nil
}

func devDown(ctx context.Context, api devDockerAPI, out io.Writer) error {
	for _, svc := range devServices() {
		err := api.ContainerRemove(ctx, svc.name, container.RemoveOptions{Force: true})
		if errdefs.IsNotFound(err) {
			fmt.Fprintf(out, "%s not running\n", svc.name)
			continue
		}
		if err != nil {
			return fmt.Errorf("remove %s: %w", svc.name, err)
		}
		fmt.Fprintf(out, "removed %s\n", svc.name)
	}
	return nil
}

// ensureDevImage pulls the image when it is not present locally.
func ensureDevImage(ctx context.Context, api devDockerAPI, ref string) error {
	if _, err := api.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return err
	}

	rc, err := api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The daemon streams pull progress; draining it is what waits for
	// the pull to finish.
	_, err = io.Copy(io.Discard, rc)
	return err
}
