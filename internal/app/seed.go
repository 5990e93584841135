package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/pscheid92/eggstream/internal/domain"
	"gopkg.in/yaml.v2"
)

// SeedSensor is one catalog entry of a seed file.
type SeedSensor struct {
	Name     string  `yaml:"name"`
	DataRate float64 `yaml:"data_rate"`
	Active   bool    `yaml:"active"`
}

type seedFile struct {
	Sensors []SeedSensor `yaml:"sensors"`
}

// LoadSeedFile reads a YAML catalog of the form
//
//	sensors:
//	  - name: antrum
//	    data_rate: 5
//	    active: true
func LoadSeedFile(path string) ([]SeedSensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var f seedFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	return f.Sensors, nil
}

// Seed registers the given sensors. Names that already exist are left as they
// are, so seeding is safe to repeat on every start. It returns how many
// sensors were created.
func (s *SensorService) Seed(ctx context.Context, seeds []SeedSensor) (int, error) {
	created := 0
	for _, seed := range seeds {
		sensor, err := s.Create(ctx, domain.NewSensor{Name: seed.Name, DataRate: seed.DataRate})
		if errors.Is(err, domain.ErrDuplicateName) {
			slog.DebugContext(ctx, "Seed sensor already exists", "sensor_name", seed.Name)
			continue
		}
		if err != nil {
			return created, fmt.Errorf("failed to seed sensor %q: %w", seed.Name, err)
		}
		created++

		if seed.Active {
			if _, err := s.StartMock(ctx, sensor.ID); err != nil {
				return created, fmt.Errorf("failed to activate seeded sensor %q: %w", seed.Name, err)
			}
		}
	}
	return created, nil
}
