// Command exporter publishes container metadata for the compose stack so
// Grafana can join orchestrator and scan-fleet metrics to container names.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var containerMeta = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "container_meta_info",
		Help: "Container metadata info",
	},
	[]string{"id", "name", "image", "com_docker_compose_service", "scan_instance", "state", "full_id"},
)

func init() {
	prometheus.MustRegister(containerMeta)
}

func collectMetrics() {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Printf("Error creating Docker client: %v", err)
		return
	}
	defer cli.Close()

	containers, err := cli.ContainerList(context.Background(), container.ListOptions{All: true})
	if err != nil {
		log.Printf("Error listing containers: %v", err)
		return
	}

	// Reset so containers removed since the last pass drop out.
	containerMeta.Reset()

	for _, ctr := range containers {
		fullID := ctr.ID
		shortID := fullID
		if len(fullID) > 12 {
			shortID = fullID[:12]
		}

		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}

		service := ctr.Labels["com.docker.compose.service"]
		if service == "" {
			service = name
		}

		// Analysis server containers carry the fleet instance name so their
		// capacity and lease metrics can be joined by instance.
		scanInstance := ctr.Labels["orchestrator.scan.instance"]

		containerMeta.WithLabelValues(
			shortID,
			name,
			ctr.Image,
			service,
			scanInstance,
			ctr.State,
			fullID,
		).Set(1)
	}
}

func main() {
	go func() {
		for {
			collectMetrics()
			time.Sleep(15 * time.Second)
		}
	}()

	http.Handle("/metrics", promhttp.Handler())
	fmt.Println("Starting Docker Meta Exporter on :8000")
	log.Fatal(http.ListenAndServe(":8000", nil))
}
