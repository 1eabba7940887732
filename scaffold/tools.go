package scaffold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/broisnischal/create/internal/logctx"
	"github.com/broisnischal/create/mcp"
	"github.com/broisnischal/create/mcpservice"
	"github.com/broisnischal/create/sessions"
)

// CreateMessage accompanies every rendered command.
const CreateMessage = "run the following command in the terminal to create the project"

// CreateArgs are the arguments of the create tool.
type CreateArgs struct {
	Framework      string `json:"framework" jsonschema:"description=Registry name of the framework, e.g. tanstack-start"`
	ProjectName    string `json:"projectName,omitempty" jsonschema:"description=Directory and package name of the new project"`
	PackageManager string `json:"packageManager,omitempty" jsonschema:"description=Package manager used to run the generator,enum=bun,enum=npm,enum=yarn,enum=pnpm"`
	Variant        string `json:"variant,omitempty" jsonschema:"description=Release channel of the generator,default=latest"`
}

// CreateResult is the payload returned by the create tool.
type CreateResult struct {
	Command   string   `json:"command"`
	Notes     []string `json:"notes"`
	Message   string   `json:"message"`
	Name      string   `json:"name"`
	PostSteps []string `json:"postSteps"`
}

type frameworkArgs struct {
	Framework string `json:"framework" jsonschema:"description=Registry name of the framework"`
}

type listArgs struct {
	Category string `json:"category,omitempty" jsonschema:"description=Only list frameworks of this category,enum=frontend,enum=backend,enum=fullstack,enum=mobile,enum=ai"`
}

// FrameworkSummary is one entry of the list_frameworks result.
type FrameworkSummary struct {
	Name        string   `json:"name"`
	Category    Category `json:"category"`
	Description string   `json:"description"`
}

type projectNameArgs struct {
	ProjectName string `json:"projectName"`
}

type greetArgs struct {
	Name string `json:"name"`
}

// ToolsOption configures Tools.
type ToolsOption func(*toolsConfig)

type toolsConfig struct {
	lookPath LookPathFunc
}

// WithLookPath overrides how the create tool detects installed package
// managers.
func WithLookPath(fn LookPathFunc) ToolsOption {
	return func(c *toolsConfig) { c.lookPath = fn }
}

// Tools returns the MCP tools backed by r.
func Tools(r *Registry, opts ...ToolsOption) []mcpservice.StaticTool {
	cfg := toolsConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	detect := DetectPackageManager
	if cfg.lookPath != nil {
		detect = func() PackageManager { return DetectPackageManagerWith(cfg.lookPath) }
	}

	return []mcpservice.StaticTool{
		mcpservice.NewTool("create", func(ctx context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, req *mcpservice.ToolRequest[CreateArgs]) error {
			args := req.Args()
			ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: req.Name(), Framework: args.Framework})

			fw, err := r.Get(args.Framework)
			if err != nil {
				if errors.Is(err, ErrFrameworkNotFound) {
					w.SetError(true)
					return w.AppendText(fmt.Sprintf("Framework %s not found", args.Framework))
				}
				return err
			}

			name := args.ProjectName
			if name == "" {
				name = args.Framework + "-project"
			}
			if err := ValidateProjectName(name); err != nil {
				w.SetError(true)
				return w.AppendText(err.Error())
			}

			pm := detect()
			if args.PackageManager != "" {
				if pm, err = ParsePackageManager(args.PackageManager); err != nil {
					w.SetError(true)
					return w.AppendText(err.Error())
				}
			}
			if !fw.Supports(pm) {
				w.SetError(true)
				return w.AppendText(fmt.Sprintf("Framework %s does not support %s", fw.Name, pm))
			}

			res := CreateResult{
				Command:   fw.BuildCommand(name, pm, args.Variant),
				Notes:     nonNil(fw.Notes),
				Message:   CreateMessage,
				Name:      fw.Name,
				PostSteps: fw.RenderPostSteps(name, pm),
			}
			slog.InfoContext(ctx, "scaffold.create.ok", slog.String("package_manager", string(pm)), slog.String("command", res.Command))
			if err := w.Log(mcp.LoggingLevelInfo, map[string]any{"framework": fw.Name, "command": res.Command}); err != nil {
				slog.WarnContext(ctx, "scaffold.create.log_fail", slog.String("err", err.Error()))
			}
			return w.AppendJSON(res)
		},
			mcpservice.WithToolTitle("Create project"),
			mcpservice.WithToolDescription("Returns the command that scaffolds a new project with the given framework"),
		),

		mcpservice.NewTool("get_framework_template", func(ctx context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, req *mcpservice.ToolRequest[frameworkArgs]) error {
			fw, err := r.Get(req.Args().Framework)
			if err != nil {
				if errors.Is(err, ErrFrameworkNotFound) {
					w.SetError(true)
					return w.AppendText(fmt.Sprintf("Framework %s not found", req.Args().Framework))
				}
				return err
			}
			tpl := fw.Template
			if tpl == nil {
				tpl = map[string]Template{}
			}
			return w.AppendJSON(tpl)
		},
			mcpservice.WithToolDescription("Lists the alternative starter templates of a framework"),
		),

		mcpservice.NewTool("list_frameworks", func(ctx context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, req *mcpservice.ToolRequest[listArgs]) error {
			fws := r.List(Category(req.Args().Category))
			out := make([]FrameworkSummary, 0, len(fws))
			for _, fw := range fws {
				out = append(out, FrameworkSummary{Name: fw.Name, Category: fw.Category, Description: fw.Description})
			}
			return w.AppendJSON(out)
		},
			mcpservice.WithToolDescription("Lists the frameworks that can be scaffolded"),
		),

		mcpservice.NewTool("validate_project_name", func(ctx context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, req *mcpservice.ToolRequest[projectNameArgs]) error {
			if err := ValidateProjectName(req.Args().ProjectName); err != nil {
				w.SetError(true)
				return w.AppendText(err.Error())
			}
			return w.AppendText("Project name is valid")
		},
			mcpservice.WithToolDescription("Checks that a project name is usable as a directory and package name"),
		),

		mcpservice.NewTool("greet", func(ctx context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, req *mcpservice.ToolRequest[greetArgs]) error {
			return w.AppendText("Hello " + req.Args().Name)
		},
			mcpservice.WithToolDescription("Simple greeting"),
		),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
