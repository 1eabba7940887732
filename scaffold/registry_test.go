package scaffold

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const viteYAML = `
frameworks:
  - name: vite
    framework: vite
    category: frontend
    description: Create a Vite project
    runtimes: [node]
    packageManagers: [npm, pnpm]
    interactive: false
    default:
      executor:
        npm: npm create
        pnpm: pnpm create
      package: vite
      variants:
        latest: "@latest"
      args: ["{{projectName}}", "--template", "react-ts"]
    postSteps:
      - cd {{projectName}}
      - ${packageManager} install
  - name: hono
    framework: hono
    category: backend
    description: Create a Hono app
    runtimes: [bun]
    packageManagers: [bun]
    interactive: true
    default:
      executor:
        bun: bun create
      package: hono
`

func TestNewRegistry_Builtin(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	fw, err := r.Get("tanstack-start")
	require.NoError(t, err)
	assert.Equal(t, CategoryFrontend, fw.Category)
	assert.Equal(t, []PackageManager{PackageManagerBun, PackageManagerNPM, PackageManagerYarn, PackageManagerPNPM}, fw.PackageManagers)
	assert.Equal(t, "cloudflare", fw.Template["cloudflare"].Name)

	_, err = r.Get("nope")
	assert.True(t, errors.Is(err, ErrFrameworkNotFound))
}

func TestBuildCommand_ExplicitCommandWins(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	fw, err := r.Get("tanstack-start")
	require.NoError(t, err)

	assert.Equal(t, "pnpm create @tanstack/start@latest my-app", fw.BuildCommand("my-app", PackageManagerPNPM, ""))
	assert.Equal(t, []string{"cd my-app", "pnpm install", "pnpm dev"}, fw.RenderPostSteps("my-app", PackageManagerPNPM))
}

func TestBuildCommand_FromDefaults(t *testing.T) {
	fws, err := Parse([]byte(viteYAML))
	require.NoError(t, err)
	vite := fws[0]

	assert.Equal(t, "npm create vite@latest demo --template react-ts", vite.BuildCommand("demo", PackageManagerNPM, ""))
	assert.Equal(t, "pnpm create vite demo --template react-ts", vite.BuildCommand("demo", PackageManagerPNPM, "nightly"))
	assert.Equal(t, "bun create hono", fws[1].BuildCommand("demo", PackageManagerBun, ""))
	assert.True(t, vite.Supports(PackageManagerNPM))
	assert.False(t, vite.Supports(PackageManagerBun))
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "frameworks: []", "invalid registry"},
		{"unknown key", strings.Replace(viteYAML, "interactive: false", "interactive: false\n    color: red", 1), "field color not found"},
		{"bad category", strings.Replace(viteYAML, "category: frontend", "category: desktop", 1), "Category"},
		{"duplicate", strings.Replace(viteYAML, "name: hono", "name: vite", 1), "duplicate framework"},
		{"missing executor", strings.Replace(viteYAML, "        pnpm: pnpm create\n", "", 1), "no executor or command for pnpm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRegistry_ListAndReplace(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	fws, err := Parse([]byte(viteYAML))
	require.NoError(t, err)
	r.Replace(fws)

	assert.Equal(t, 2, r.Len())
	all := r.List("")
	require.Len(t, all, 2)
	assert.Equal(t, "hono", all[0].Name)
	assert.Equal(t, "vite", all[1].Name)

	backend := r.List(CategoryBackend)
	require.Len(t, backend, 1)
	assert.Equal(t, "hono", backend[0].Name)

	_, err = r.Get("tanstack-start")
	assert.ErrorIs(t, err, ErrFrameworkNotFound)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frameworks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(viteYAML), 0o600))

	fws, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, fws, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateProjectName(t *testing.T) {
	for _, ok := range []string{"my-app", "app2", "a.b_c"} {
		assert.NoError(t, ValidateProjectName(ok), ok)
	}
	for _, bad := range []string{"", "ab", "MyApp", "_app", ".app", "my app", strings.Repeat("a", 215)} {
		assert.Error(t, ValidateProjectName(bad), bad)
	}
}

func TestParsePackageManager(t *testing.T) {
	pm, err := ParsePackageManager(" PNPM ")
	require.NoError(t, err)
	assert.Equal(t, PackageManagerPNPM, pm)

	_, err = ParsePackageManager("cargo")
	assert.Error(t, err)
}

func TestDetectPackageManagerWith(t *testing.T) {
	only := func(names ...string) LookPathFunc {
		return func(file string) (string, error) {
			for _, n := range names {
				if n == file {
					return "/usr/bin/" + n, nil
				}
			}
			return "", errors.New("not found")
		}
	}

	assert.Equal(t, PackageManagerBun, DetectPackageManagerWith(only("yarn", "bun")))
	assert.Equal(t, PackageManagerPNPM, DetectPackageManagerWith(only("yarn", "pnpm")))
	assert.Equal(t, PackageManagerYarn, DetectPackageManagerWith(only("yarn")))
	assert.Equal(t, PackageManagerNPM, DetectPackageManagerWith(only()))
}
