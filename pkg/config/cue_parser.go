// Package config loads and validates pipeline configuration written in CUE,
// with an optional Starlark hook for procedural matrix filtering.
package config

import (
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// CUEParser parses and validates CUE pipeline configuration files.
type CUEParser struct {
	ctx       *cue.Context
	validator *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx:       cuecontext.New(),
		validator: validator.New(),
	}
}

// Load parses the given CUE sources, unifies them, and returns the pipeline
// configuration with defaults filled in. Sources may be files or package
// directories.
func (cp *CUEParser) Load(sources ...string) (*PipelineConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			val, errs = cp.loadDirectory(source)
		} else {
			val, errs = cp.loadFile(source)
		}
		if len(errs) > 0 {
			parseErrors = append(parseErrors, errs...)
			continue
		}

		if cueValue.Exists() {
			cueValue = cueValue.Unify(val)
		} else {
			cueValue = val
		}
	}

	if len(parseErrors) > 0 {
		return nil, &LoadError{Errors: parseErrors}
	}

	if err := cueValue.Err(); err != nil {
		return nil, &LoadError{Errors: cp.convertCUEErrors(err)}
	}

	return cp.extractConfig(cueValue)
}

// LoadError aggregates the validation errors of one load attempt.
type LoadError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		first := e.Errors[0]
		if first.File != "" {
			return fmt.Sprintf("config error in %s: %s", first.File, first.Message)
		}
		return fmt.Sprintf("config error: %s", first.Message)
	}
	return fmt.Sprintf("%d config errors (first: %s)", len(e.Errors), e.Errors[0].Message)
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractConfig decodes the pipeline section and validates the result.
func (cp *CUEParser) extractConfig(val cue.Value) (*PipelineConfig, error) {
	pipelineVal := val.LookupPath(cue.ParsePath("pipeline"))
	if !pipelineVal.Exists() {
		return nil, &LoadError{Errors: []ValidationError{{
			Path:     "pipeline",
			Message:  "missing pipeline section",
			Severity: "error",
		}}}
	}

	cfg := DefaultConfig()
	if err := pipelineVal.Decode(cfg); err != nil {
		return nil, &LoadError{Errors: cp.convertCUEErrors(err)}
	}

	cp.applyDefaults(cfg)

	if err := cp.validator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	for platform, builder := range cfg.Builders {
		if err := cp.validator.Struct(builder); err != nil {
			return nil, fmt.Errorf("builder %s validation failed: %w", platform, err)
		}
	}

	return cfg, nil
}

// applyDefaults restores defaults that an explicit but partial section may
// have zeroed during decoding.
func (cp *CUEParser) applyDefaults(cfg *PipelineConfig) {
	defaults := DefaultConfig()
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = defaults.Cache.Path
	}
	if len(cfg.Lint.FatalCodes) == 0 {
		cfg.Lint.FatalCodes = defaults.Lint.FatalCodes
	}
	if cfg.Lint.MaxLineLength == 0 {
		cfg.Lint.MaxLineLength = defaults.Lint.MaxLineLength
	}
	if cfg.Lint.MaxComplexity == 0 {
		cfg.Lint.MaxComplexity = defaults.Lint.MaxComplexity
	}
	if cfg.Coverage.Timeout == 0 {
		cfg.Coverage.Timeout = 60 * time.Second
	}
}

// convertCUEErrors converts CUE errors to validation errors with positions.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Message:  e.Error(),
			Severity: "error",
		}

		if positions := errors.Positions(e); len(positions) > 0 {
			pos := positions[0]
			ve.File = pos.Filename()
			ve.Line = pos.Line()
		}

		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{
			Message:  err.Error(),
			Severity: "error",
		})
	}

	return validationErrors
}
