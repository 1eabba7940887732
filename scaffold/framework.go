// Package scaffold holds the registry of project generators and renders the
// shell commands that create a new project with them.
package scaffold

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFrameworkNotFound is returned for names missing from the registry.
var ErrFrameworkNotFound = errors.New("framework not found")

// Category groups frameworks by what they build.
type Category string

const (
	CategoryFrontend  Category = "frontend"
	CategoryBackend   Category = "backend"
	CategoryFullstack Category = "fullstack"
	CategoryMobile    Category = "mobile"
	CategoryAI        Category = "ai"
)

// Runtime is a JavaScript runtime a framework supports.
type Runtime string

const (
	RuntimeBun  Runtime = "bun"
	RuntimeNode Runtime = "node"
	RuntimeDeno Runtime = "deno"
)

// PackageManager is the tool used to run the generator.
type PackageManager string

const (
	PackageManagerBun  PackageManager = "bun"
	PackageManagerNPM  PackageManager = "npm"
	PackageManagerYarn PackageManager = "yarn"
	PackageManagerPNPM PackageManager = "pnpm"
)

// ParsePackageManager validates s.
func ParsePackageManager(s string) (PackageManager, error) {
	switch pm := PackageManager(strings.ToLower(strings.TrimSpace(s))); pm {
	case PackageManagerBun, PackageManagerNPM, PackageManagerYarn, PackageManagerPNPM:
		return pm, nil
	default:
		return "", fmt.Errorf("unsupported package manager %q", s)
	}
}

// Framework describes one project generator.
type Framework struct {
	Name            string              `yaml:"name" json:"name" validate:"required"`
	Framework       string              `yaml:"framework" json:"framework" validate:"required"`
	Category        Category            `yaml:"category" json:"category" validate:"required,oneof=frontend backend fullstack mobile ai"`
	Description     string              `yaml:"description" json:"description" validate:"required"`
	GitHub          string              `yaml:"github,omitempty" json:"github,omitempty" validate:"omitempty,url"`
	Docs            string              `yaml:"docs,omitempty" json:"docs,omitempty" validate:"omitempty,url"`
	Runtimes        []Runtime           `yaml:"runtimes" json:"runtimes" validate:"required,min=1,dive,oneof=bun node deno"`
	PackageManagers []PackageManager    `yaml:"packageManagers" json:"packageManagers" validate:"required,min=1,dive,oneof=bun npm yarn pnpm"`
	Interactive     bool                `yaml:"interactive" json:"interactive"`
	Mode            string              `yaml:"mode,omitempty" json:"mode,omitempty" validate:"omitempty,oneof=ci interactive"`
	Notes           []string            `yaml:"notes,omitempty" json:"notes,omitempty"`
	Default         Defaults            `yaml:"default" json:"default"`
	Commands        []Command           `yaml:"commands,omitempty" json:"commands,omitempty" validate:"dive"`
	PostSteps       []string            `yaml:"postSteps,omitempty" json:"postSteps,omitempty"`
	Template        map[string]Template `yaml:"template,omitempty" json:"template,omitempty" validate:"dive"`
}

// Defaults builds a command when no explicit one matches the package manager.
type Defaults struct {
	Executor map[PackageManager]string `yaml:"executor" json:"executor" validate:"required,min=1"`
	Package  string                    `yaml:"package" json:"package" validate:"required"`
	Variants map[string]string         `yaml:"variants,omitempty" json:"variants,omitempty"`
	Args     []string                  `yaml:"args,omitempty" json:"args,omitempty"`
}

// Command is a ready-made command for one package manager.
type Command struct {
	PackageManager PackageManager `yaml:"packageManager" json:"packageManager" validate:"required,oneof=bun npm yarn pnpm"`
	Command        string         `yaml:"command" json:"command" validate:"required"`
}

// Template is an alternative starter for a framework.
type Template struct {
	GitHub string `yaml:"github,omitempty" json:"github,omitempty" validate:"omitempty,url"`
	Name   string `yaml:"name" json:"name" validate:"required"`
}

// DefaultVariant is used when a caller names none.
const DefaultVariant = "latest"

const (
	projectNamePlaceholder    = "{{projectName}}"
	packageManagerPlaceholder = "${packageManager}"
)

// BuildCommand renders the command that scaffolds projectName with pm. An
// explicit command for pm wins; otherwise it is assembled from the defaults
// as "<executor> <package><variant tag> <args>".
func (f *Framework) BuildCommand(projectName string, pm PackageManager, variant string) string {
	for _, c := range f.Commands {
		if c.PackageManager == pm {
			return strings.ReplaceAll(c.Command, projectNamePlaceholder, projectName)
		}
	}

	if variant == "" {
		variant = DefaultVariant
	}
	args := make([]string, 0, len(f.Default.Args))
	for _, a := range f.Default.Args {
		args = append(args, strings.ReplaceAll(a, projectNamePlaceholder, projectName))
	}

	cmd := fmt.Sprintf("%s %s%s %s", f.Default.Executor[pm], f.Default.Package, f.Default.Variants[variant], strings.Join(args, " "))
	return strings.TrimSpace(cmd)
}

// RenderPostSteps substitutes the project name and package manager into the
// follow-up steps.
func (f *Framework) RenderPostSteps(projectName string, pm PackageManager) []string {
	out := make([]string, 0, len(f.PostSteps))
	r := strings.NewReplacer(projectNamePlaceholder, projectName, packageManagerPlaceholder, string(pm))
	for _, s := range f.PostSteps {
		out = append(out, r.Replace(s))
	}
	return out
}

// Supports reports whether pm is listed for the framework.
func (f *Framework) Supports(pm PackageManager) bool {
	for _, p := range f.PackageManagers {
		if p == pm {
			return true
		}
	}
	return false
}
