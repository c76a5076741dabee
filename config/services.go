package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yllada/vpn-sso/common"
)

// servicesFile is the on-disk shape of the services list.
type servicesFile struct {
	AuthServices *[]common.AuthService `json:"authservices" yaml:"authservices"`
}

// LoadServices reads the authentication services from path. Files ending in
// .json are decoded as JSON, anything else as YAML.
func LoadServices(path string) ([]common.AuthService, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}

	var file servicesFile
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &file)
	} else {
		err = yaml.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: error parsing %s: %v", common.ErrConfigLoad, path, err)
	}

	if file.AuthServices == nil {
		return nil, fmt.Errorf("%w: missing authservices list", common.ErrConfigLoad)
	}

	services := *file.AuthServices
	seen := make(map[string]bool, len(services))
	for i := range services {
		if err := ValidateService(&services[i]); err != nil {
			return nil, fmt.Errorf("%w: service %d: %v", common.ErrConfigLoad, i+1, err)
		}
		if seen[services[i].ID] {
			return nil, fmt.Errorf("%w: duplicate service id %q", common.ErrConfigLoad, services[i].ID)
		}
		seen[services[i].ID] = true
	}

	return services, nil
}

// ValidateService checks that a service has every field a connection needs.
func ValidateService(s *common.AuthService) error {
	switch {
	case s.ID == "":
		return errors.New("id is required")
	case s.Name == "":
		return errors.New("name is required")
	case s.ClientID == "":
		return errors.New("clientid is required")
	case s.Profile == "":
		return errors.New("profile is required")
	}
	if err := requireAbsoluteURL(s.WellKnown); err != nil {
		return fmt.Errorf("wellknown: %w", err)
	}
	if err := requireAbsoluteURL(s.Redirect); err != nil {
		return fmt.Errorf("redirect: %w", err)
	}
	return nil
}

func requireAbsoluteURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}

// FindService returns the service with the given id.
func FindService(services []common.AuthService, id string) (*common.AuthService, error) {
	for i := range services {
		if services[i].ID == id {
			return &services[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", common.ErrServiceNotFound, id)
}
