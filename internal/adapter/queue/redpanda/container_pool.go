package redpanda

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ContainerInfo is one pooled broker container and its advertised address.
type ContainerInfo struct {
	Container tc.Container
	Broker    string
	ID        int
}

// ContainerPool shares Redpanda containers across integration tests so each
// parallel test gets an isolated broker without paying a fresh startup.
// Containers are reaped by the testcontainers sidecar when the test binary
// exits.
type ContainerPool struct {
	containers chan ContainerInfo
	size       int
	initOnce   sync.Once
}

const containerPoolSize = 6

var (
	globalPool *ContainerPool
	poolOnce   sync.Once
)

// GetContainerPool returns the process-wide pool. Sized for four parallel
// tests plus slack.
func GetContainerPool() *ContainerPool {
	poolOnce.Do(func() {
		globalPool = &ContainerPool{
			containers: make(chan ContainerInfo, containerPoolSize),
			size:       containerPoolSize,
		}
	})
	return globalPool
}

// GetContainer takes a broker from the pool, starting the whole pool on
// first use. The caller returns it with ReturnContainer when done.
func (p *ContainerPool) GetContainer(t *testing.T) (ContainerInfo, error) {
	var initErr error
	p.initOnce.Do(func() { initErr = p.startAll(t) })
	if initErr != nil {
		return ContainerInfo{}, initErr
	}

	select {
	case info := <-p.containers:
		return info, nil
	case <-time.After(30 * time.Second):
		return ContainerInfo{}, fmt.Errorf("timed out waiting for a pooled broker")
	}
}

// ReturnContainer gives a broker back; a full pool terminates the surplus.
func (p *ContainerPool) ReturnContainer(info ContainerInfo) {
	select {
	case p.containers <- info:
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = info.Container.Terminate(ctx)
	}
}

// startAll brings up every pooled container concurrently and keeps the first
// startup error, if any.
func (p *ContainerPool) startAll(t *testing.T) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			info, err := p.startContainer(t, id)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			p.containers <- info
		}(i)
	}
	wg.Wait()

	return firstErr
}

// startContainer runs one Redpanda dev container with a stable host port
// (19092 + id) so the advertised address survives container restarts.
func (p *ContainerPool) startContainer(_ *testing.T, id int) (ContainerInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	port := 19092 + id

	req := tc.ContainerRequest{
		Image:        "redpandadata/redpanda:v24.3.7",
		ExposedPorts: []string{"9092/tcp", "9644/tcp"},
		Cmd: []string{
			"redpanda", "start",
			"--overprovisioned",
			"--smp", "1",
			"--memory", "256M",
			"--reserve-memory", "0M",
			"--node-id", fmt.Sprintf("%d", id),
			"--check=false",
			"--kafka-addr", "PLAINTEXT://0.0.0.0:9092",
			"--advertise-kafka-addr", fmt.Sprintf("PLAINTEXT://127.0.0.1:%d", port),
			"--default-log-level=error",
			"--mode", "dev-container",
		},
		WaitingFor: wait.ForListeningPort("9092/tcp").WithStartupTimeout(30 * time.Second),
		HostConfigModifier: func(hc *containerTypes.HostConfig) {
			if hc.PortBindings == nil {
				hc.PortBindings = nat.PortMap{}
			}
			hc.PortBindings[nat.Port("9092/tcp")] = []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", port)},
			}
		},
	}

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("start redpanda container %d: %w", id, err)
	}

	return ContainerInfo{
		Container: container,
		Broker:    fmt.Sprintf("localhost:%d", port),
		ID:        id,
	}, nil
}
