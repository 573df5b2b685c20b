// Package availability decides which sub-courts count as free.
package availability

import (
	"fmt"
	"strings"

	"github.com/vacantcourt/backend/internal/config"
	"github.com/vacantcourt/backend/internal/models"
)

type Predicate func(models.SubCourt) bool

// StatusOnly accepts any sub-court reporting available, configured or not.
func StatusOnly(c models.SubCourt) bool {
	return c.Status == models.StatusAvailable
}

// AvailableAndConfigured additionally requires the sensor setup to be finished.
func AvailableAndConfigured(c models.SubCourt) bool {
	return c.IsConfigured && c.Status == models.StatusAvailable
}

func ByName(name string) (Predicate, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case config.PredicateStatus:
		return StatusOnly, nil
	case config.PredicateConfigured, "":
		return AvailableAndConfigured, nil
	}
	return nil, fmt.Errorf("unknown availability predicate %q", name)
}

func Courts(f *models.Facility, pred Predicate) []models.SubCourt {
	var out []models.SubCourt
	for _, c := range f.Courts {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}

func Names(courts []models.SubCourt) string {
	names := make([]string, 0, len(courts))
	for _, c := range courts {
		name := c.Name
		if name == "" {
			name = c.ID
		}
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}
