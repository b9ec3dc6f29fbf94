// Package config provides loading for the scan configuration file.
package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// ScanConfig is the YAML file describing the analysis server fleet and the
// metric keys to harvest per successful scan.
type ScanConfig struct {
	Instances  []InstanceConfig `yaml:"instances" validate:"required,min=1,dive"`
	MetricKeys []string         `yaml:"metric_keys" validate:"required,min=1"`
	// DefaultScannerArgs are appended to every scanner invocation unless a
	// job or project override replaces them.
	DefaultScannerArgs string `yaml:"default_scanner_args"`
}

// InstanceConfig is one analysis server entry.
type InstanceConfig struct {
	Name           string `yaml:"name" validate:"required"`
	Host           string `yaml:"host" validate:"required,url"`
	Token          string `yaml:"token" validate:"required"`
	ConcurrencyCap int    `yaml:"concurrency_cap" validate:"required,min=1"`
	ScannerPath    string `yaml:"scanner_path" validate:"required"`
}

// LoadScanConfig reads and validates the scan configuration file.
func LoadScanConfig(path string) (*ScanConfig, error) {
	content, err := os.ReadFile(path) // #nosec G304 -- operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadScanConfig: %w", err)
	}
	var sc ScanConfig
	if err := yaml.Unmarshal(content, &sc); err != nil {
		return nil, fmt.Errorf("op=config.LoadScanConfig: parse yaml: %w", err)
	}
	if err := validator.New().Struct(&sc); err != nil {
		return nil, fmt.Errorf("op=config.LoadScanConfig: validate: %w", err)
	}
	seen := map[string]bool{}
	for _, in := range sc.Instances {
		if seen[in.Name] {
			return nil, fmt.Errorf("op=config.LoadScanConfig: duplicate instance %q", in.Name)
		}
		seen[in.Name] = true
	}
	return &sc, nil
}

// DomainInstances converts the file entries into domain instances, sorted by
// name so round-robin selection has a stable order.
func (sc *ScanConfig) DomainInstances() []domain.Instance {
	out := make([]domain.Instance, 0, len(sc.Instances))
	for _, in := range sc.Instances {
		out = append(out, domain.Instance{
			Name:           in.Name,
			Host:           in.Host,
			Token:          in.Token,
			ConcurrencyCap: in.ConcurrencyCap,
			ScannerPath:    in.ScannerPath,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
