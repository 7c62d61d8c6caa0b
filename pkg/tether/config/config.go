// Package config loads node definitions from HCL files.
//
//	cfg, diags := config.NewConfig().WithLogger(logger).WithSources("tether.hcl").Build()
//	node, err := cfg.Select("A")
//	r, err := node.RouterBuilder(logger, metrics).Build()
package config

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"go.uber.org/zap"
)

var configSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "node", LabelNames: []string{"name"}},
	},
}

type ConfigBuilder struct {
	logger  *zap.Logger
	sources []any
}

type Config struct {
	Logger    *zap.Logger
	Functions map[string]function.Function
	Constants map[string]cty.Value
	Nodes     map[string]*Node
	evalCtx   *hcl.EvalContext
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		sources: make([]any, 0),
	}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	cb.logger = logger
	return cb
}

// WithSources adds files, directories, []byte contents or an fs.FS.
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	logger := cb.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	config := &Config{
		Logger:    logger,
		Constants: make(map[string]cty.Value),
		Nodes:     make(map[string]*Node),
	}

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	userFuncs, bodies, addDiags := config.ExtractUserFunctions(bodies)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	config.Functions, addDiags = GetFunctions(userFuncs)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	config.Constants["env"] = GetEnvObject()
	config.evalCtx = &hcl.EvalContext{
		Functions: config.Functions,
		Variables: config.Constants,
	}

	for _, body := range bodies {
		content, contentDiags := body.Content(configSchema)
		diags = diags.Extend(contentDiags)
		if content == nil {
			continue
		}
		for _, block := range content.Blocks {
			diags = diags.Extend(config.processNode(block))
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}

	config.Logger.Info("Config built successfully", zap.Strings("nodes", config.NodeNames()))

	return config, diags
}

// NodeNames returns the configured node names, sorted.
func (c *Config) NodeNames() []string {
	names := make([]string, 0, len(c.Nodes))
	for name := range c.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns the named node. An empty name is accepted when exactly one
// node is configured.
func (c *Config) Select(name string) (*Node, error) {
	if name == "" {
		if len(c.Nodes) != 1 {
			return nil, fmt.Errorf("config defines %d nodes; choose one of %v", len(c.Nodes), c.NodeNames())
		}
		for _, n := range c.Nodes {
			return n, nil
		}
	}
	n, ok := c.Nodes[name]
	if !ok {
		return nil, fmt.Errorf("node %q is not defined", name)
	}
	return n, nil
}

// EvalContext returns the context expressions in the files are evaluated in.
func (c *Config) EvalContext() *hcl.EvalContext { return c.evalCtx }
