// Package strategy implements the rollout state machines: all_at_once,
// rolling, canary, and blue_green.
package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/patchplane/patchplane/internal/remote"
	"github.com/patchplane/patchplane/pkg/logger"
	"github.com/patchplane/patchplane/pkg/models"
)

// HealthChecker is the narrow prober surface the canary strategy consults
// between stages.
type HealthChecker interface {
	ProbeOnce(ctx context.Context, deploymentID uuid.UUID, asset *models.Asset) *models.HealthSample
}

// RollbackFunc reverses the patch on the given already-deployed assets and
// returns the per-asset rollback log. Reason describes the condition that
// forced the rollback. Wired in by the coordinator so the strategy never
// imports its sibling.
type RollbackFunc func(ctx context.Context, deployed []*models.Asset, reason string) []models.RollbackLogEntry

// Deps carries the collaborators a strategy needs to execute.
type Deps struct {
	Runner         remote.Runner
	Prober         HealthChecker
	Rollback       RollbackFunc
	MaxConcurrency int
	CommandTimeout time.Duration
	Logger         *logger.Logger
}

// Result is the terminal report of one strategy execution.
type Result struct {
	Status       models.DeploymentStatus
	Outcomes     []models.AssetOutcome
	Batches      []models.BatchLog
	RollbackLogs []models.RollbackLogEntry
	Duration     time.Duration
	ErrorMessage string
}

// Successes counts success outcomes.
func (r *Result) Successes() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == string(models.AssetOutcomeSuccess) {
			n++
		}
	}
	return n
}

// Failures counts failed outcomes.
func (r *Result) Failures() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == string(models.AssetOutcomeFailed) {
			n++
		}
	}
	return n
}

// Strategy is one rollout algorithm variant.
type Strategy interface {
	Name() string

	// Validate performs the semantic checks against the target asset list.
	Validate(assets []*models.Asset) error

	// Execute drives the patch onto the assets. It never panics and never
	// treats a remote failure as a Go error; facts land in the Result.
	Execute(ctx context.Context, deploymentID uuid.UUID, patch *models.Patch, assets []*models.Asset, deps Deps) *Result
}

// =============================================================================
// Parameter schemas
// =============================================================================

var paramSchemas = map[string]string{
	string(models.StrategyAllAtOnce): `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"additionalProperties": false,
		"properties": {}
	}`,
	string(models.StrategyRolling): `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"batch_fraction": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
			"wait_between_batches_seconds": {"type": "number", "minimum": 0},
			"max_failures": {"type": "integer", "minimum": 0},
			"continue_on_error": {"type": "boolean"}
		},
		"required": ["batch_fraction"]
	}`,
	string(models.StrategyCanary): `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"stages": {
				"type": "array",
				"items": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
				"minItems": 1
			},
			"monitoring_duration_seconds": {"type": "number", "minimum": 0},
			"auto_promote": {"type": "boolean"},
			"rollback_on_failure": {"type": "boolean"},
			"success_threshold": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
		},
		"required": ["stages"]
	}`,
	string(models.StrategyBlueGreen): `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"additionalProperties": false,
		"properties": {}
	}`,
}

var compiledSchemas = compileSchemas()

func compileSchemas() map[string]*jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	out := make(map[string]*jsonschema.Schema, len(paramSchemas))
	for name, raw := range paramSchemas {
		url := "params/" + name + ".json"
		if err := compiler.AddResource(url, strings.NewReader(raw)); err != nil {
			panic(fmt.Sprintf("invalid %s parameter schema: %v", name, err))
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("failed to compile %s parameter schema: %v", name, err))
		}
		out[name] = schema
	}
	return out
}

// validateParams checks raw params against the strategy's schema.
func validateParams(strategyName string, raw json.RawMessage) error {
	schema, ok := compiledSchemas[strategyName]
	if !ok {
		return fmt.Errorf("unknown strategy %q", strategyName)
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("strategy params are not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("strategy params rejected: %w", err)
	}
	return nil
}

// New builds the strategy named by tag from its raw JSON parameters. The
// params are schema-validated before decode.
func New(tag string, rawParams json.RawMessage) (Strategy, error) {
	if err := validateParams(tag, rawParams); err != nil {
		return nil, err
	}
	if len(rawParams) == 0 {
		rawParams = json.RawMessage(`{}`)
	}

	switch models.Strategy(tag) {
	case models.StrategyAllAtOnce:
		return &AllAtOnce{}, nil

	case models.StrategyRolling:
		var p RollingParams
		if err := json.Unmarshal(rawParams, &p); err != nil {
			return nil, fmt.Errorf("failed to decode rolling params: %w", err)
		}
		return &Rolling{Params: p}, nil

	case models.StrategyCanary:
		var p CanaryParams
		if err := json.Unmarshal(rawParams, &p); err != nil {
			return nil, fmt.Errorf("failed to decode canary params: %w", err)
		}
		p.applyDefaults()
		return &Canary{Params: p}, nil

	case models.StrategyBlueGreen:
		return &BlueGreen{}, nil

	default:
		return nil, fmt.Errorf("unknown strategy %q", tag)
	}
}
