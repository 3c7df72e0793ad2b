package location

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidTopology indicates a malformed topology document.
var ErrInvalidTopology = errors.New("location: invalid topology")

// Topology is the YAML document describing the archive layout.
type Topology struct {
	Units []Unit `yaml:"units"`
}

var validate = validator.New()

// LoadTopology parses and validates a topology document.
func LoadTopology(r io.Reader) ([]Unit, error) {
	var doc Topology
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidTopology)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}
	if err := validateUnits(doc.Units); err != nil {
		return nil, err
	}
	return doc.Units, nil
}

func validateUnits(units []Unit) error {
	if len(units) == 0 {
		return fmt.Errorf("%w: no units", ErrInvalidTopology)
	}
	seen := make(map[[3]string]struct{}, len(units))
	for i, u := range units {
		if err := validate.Struct(u); err != nil {
			return fmt.Errorf("%w: unit %d: %v", ErrInvalidTopology, i, err)
		}
		if (u.FolioStart == nil) != (u.FolioEnd == nil) {
			return fmt.Errorf("%w: unit %d: folio_inicio and folio_fin go together", ErrInvalidTopology, i)
		}
		if u.FolioStart != nil && *u.FolioStart > *u.FolioEnd {
			return fmt.Errorf("%w: unit %d: folio_inicio after folio_fin", ErrInvalidTopology, i)
		}
		key := [3]string{u.Building, u.Furniture, u.Container}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: unit %d: duplicate %s/%s/%s", ErrInvalidTopology, i, u.Building, u.Furniture, u.Container)
		}
		seen[key] = struct{}{}
	}
	return nil
}
