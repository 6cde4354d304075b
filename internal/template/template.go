package template

// Backend type constants. Each names a protocol family, not a specific server.
const (
	BackendGraph      = "graph"
	BackendPrediction = "prediction"
)

// Rule names for parameter mapping entries.
const (
	RuleDirect        = "direct"
	RuleLookup        = "lookup"
	RuleFileReference = "file_reference"
)

// ParamRule translates one named user parameter into a backend-native field.
type ParamRule struct {
	Name     string            `yaml:"name" validate:"required"`
	Rule     string            `yaml:"rule" validate:"required,oneof=direct lookup file_reference"`
	Target   string            `yaml:"target" validate:"required"`
	Required bool              `yaml:"required"`
	Default  any               `yaml:"default"`
	Values   map[string]string `yaml:"values"` // lookup table, required for lookup rules
}

// Manifest is the on-disk description of one workflow template, loaded from
// manifest.yaml in a <function>/<tier> directory.
type Manifest struct {
	TemplateID  string         `yaml:"template_id" validate:"required"`
	Version     int            `yaml:"version" validate:"required,min=1"`
	BackendType string         `yaml:"backend_type" validate:"required,oneof=graph prediction"`
	Workflow    string         `yaml:"workflow" validate:"required"` // backend-native body, relative to the manifest
	Parameters  []ParamRule    `yaml:"parameters" validate:"dive"`
	Quality     map[string]any `yaml:"quality"`     // fixed technical knobs, keyed by target path
	SeedTarget  string         `yaml:"seed_target"` // optional path for the sampling seed
	Outputs     []string       `yaml:"outputs" validate:"required,min=1"`
}

// Template is an immutable, loaded workflow template. The Source document is
// never mutated after load; injection operates on a deep copy.
type Template struct {
	Manifest
	FunctionName string
	QualityTier  string
	Source       map[string]any
}

// Info is the listing shape for loaded templates.
type Info struct {
	TemplateID   string `json:"template_id"`
	Version      int    `json:"version"`
	FunctionName string `json:"function_name"`
	QualityTier  string `json:"quality_tier"`
	BackendType  string `json:"backend_type"`
}
