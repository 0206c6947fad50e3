package config

// PipelineConfig describes the external submission pipeline.
type PipelineConfig struct {
	// Script is the executable run once per mapping line
	Script string `yaml:"script" json:"script,omitempty"`

	// Interpreter runs the script when set (e.g. "bash")
	Interpreter string `yaml:"interpreter" json:"interpreter,omitempty"`

	// GermlineDir is passed verbatim as the third argument
	GermlineDir string `yaml:"germline_dir" json:"germline_dir,omitempty"`

	// Nproc is passed verbatim as the last argument
	Nproc int `yaml:"nproc" json:"nproc"`

	// LogFile is relative to the output directory unless absolute
	LogFile string `yaml:"log_file" json:"log_file,omitempty"`

	// ArchiveSuffix is stripped from the archive base name to form the folder
	ArchiveSuffix string `yaml:"archive_suffix" json:"archive_suffix,omitempty"`

	// EnvVars are extra KEY=VALUE settings for every invocation
	EnvVars map[string]string `yaml:"env_vars" json:"env_vars,omitempty"`
}

// DefaultPipelineConfig returns sensible defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Nproc:         8,
		LogFile:       "tls_batch.log",
		ArchiveSuffix: ".zip",
		EnvVars:       make(map[string]string),
	}
}

// Environment renders EnvVars as KEY=VALUE strings.
func (p PipelineConfig) Environment() []string {
	env := make([]string, 0, len(p.EnvVars))
	for k, v := range p.EnvVars {
		env = append(env, k+"="+v)
	}
	return env
}
