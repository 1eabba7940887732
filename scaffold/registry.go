package scaffold

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed frameworks.yaml
var builtinRegistry []byte

var validate = newValidator()

// projectNamePattern follows npm package naming: lower case, no leading dot
// or underscore, URL-safe characters only.
var projectNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("project_name", func(fl validator.FieldLevel) bool {
		return projectNamePattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("failed to register project_name validator: %v", err))
	}
	return v
}

// ValidateProjectName reports why name cannot be used as a project directory
// and package name, or nil.
func ValidateProjectName(name string) error {
	if err := validate.Var(name, "required,min=3,max=214,project_name"); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			switch verrs[0].Tag() {
			case "required", "min":
				return fmt.Errorf("project name must be at least 3 characters long")
			case "max":
				return fmt.Errorf("project name must be at most 214 characters long")
			case "project_name":
				return fmt.Errorf("project name %q must be lower case and may only contain letters, digits, '.', '_' and '-', not starting with '.' or '_'", name)
			}
		}
		return err
	}
	return nil
}

type registryFile struct {
	Frameworks []Framework `yaml:"frameworks" validate:"required,min=1,dive"`
}

// Registry is a concurrency-safe set of frameworks keyed by name.
type Registry struct {
	mu         sync.RWMutex
	frameworks map[string]*Framework
}

// NewRegistry returns a registry holding the built-in frameworks.
func NewRegistry() (*Registry, error) {
	fws, err := Parse(builtinRegistry)
	if err != nil {
		return nil, fmt.Errorf("built-in registry: %w", err)
	}
	r := &Registry{}
	r.Replace(fws)
	return r, nil
}

// Parse decodes and validates a YAML registry document. Unknown keys are
// rejected and framework names must be unique.
func Parse(data []byte) ([]Framework, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f registryFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode registry: %w", err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid registry: %w", err)
	}

	seen := make(map[string]bool, len(f.Frameworks))
	for i := range f.Frameworks {
		fw := &f.Frameworks[i]
		if seen[fw.Name] {
			return nil, fmt.Errorf("invalid registry: duplicate framework %q", fw.Name)
		}
		seen[fw.Name] = true
		for _, pm := range fw.PackageManagers {
			if _, ok := fw.Default.Executor[pm]; !ok && !fw.hasCommand(pm) {
				return nil, fmt.Errorf("invalid registry: framework %q has no executor or command for %s", fw.Name, pm)
			}
		}
	}
	return f.Frameworks, nil
}

// Load reads and parses a registry file.
func Load(path string) ([]Framework, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry %s: %w", path, err)
	}
	return Parse(data)
}

// Replace swaps the whole framework set.
func (r *Registry) Replace(fws []Framework) {
	m := make(map[string]*Framework, len(fws))
	for i := range fws {
		fw := fws[i]
		m[fw.Name] = &fw
	}

	r.mu.Lock()
	r.frameworks = m
	r.mu.Unlock()
}

// Get returns the framework named name.
func (r *Registry) Get(name string) (*Framework, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fw, ok := r.frameworks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFrameworkNotFound, name)
	}
	return fw, nil
}

// List returns frameworks sorted by name, optionally filtered by category.
func (r *Registry) List(category Category) []*Framework {
	r.mu.RLock()
	out := make([]*Framework, 0, len(r.frameworks))
	for _, fw := range r.frameworks {
		if category == "" || fw.Category == category {
			out = append(out, fw)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of frameworks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.frameworks)
}

func (f *Framework) hasCommand(pm PackageManager) bool {
	for _, c := range f.Commands {
		if c.PackageManager == pm {
			return true
		}
	}
	return false
}
