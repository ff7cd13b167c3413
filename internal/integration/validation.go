package integration

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	maxNameLength      = 100
	maxIntervalSeconds = 7 * 24 * 3600
	maxRetriesLimit    = 20
	schemaBaseURL      = "https://schemas.graysync.local/integration/"
)

var (
	validTypes      map[Type]struct{}
	validDirections map[Direction]struct{}
	validStrategies map[Strategy]struct{}
)

func init() {
	validTypes = make(map[Type]struct{}, len(AllTypes()))
	for _, t := range AllTypes() {
		validTypes[t] = struct{}{}
	}
	validDirections = make(map[Direction]struct{}, len(AllDirections()))
	for _, d := range AllDirections() {
		validDirections[d] = struct{}{}
	}
	validStrategies = make(map[Strategy]struct{}, len(AllStrategies()))
	for _, s := range AllStrategies() {
		validStrategies[s] = struct{}{}
	}
}

// Validate checks the fields of an integration that do not depend on its
// credentials.
func Validate(i *Integration) error {
	if i == nil {
		return ErrInvalidIntegration
	}
	if strings.TrimSpace(i.OrganizationID) == "" {
		return fmt.Errorf("%w: organization_id is required", ErrInvalidIntegration)
	}
	name := strings.TrimSpace(i.Name)
	if name == "" || len(name) > maxNameLength {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidIntegration, maxNameLength)
	}
	if _, ok := validTypes[i.Type]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidType, i.Type)
	}
	if _, ok := validDirections[i.SyncDirection]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidDirection, i.SyncDirection)
	}
	if _, ok := validStrategies[i.ConflictStrategy]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, i.ConflictStrategy)
	}
	for field, s := range i.FieldStrategies() {
		if _, ok := validStrategies[s]; !ok && s != StrategyMerge {
			return fmt.Errorf("%w: field %s uses %q", ErrInvalidStrategy, field, s)
		}
	}
	if i.IntervalSeconds < 0 || i.IntervalSeconds > maxIntervalSeconds {
		return fmt.Errorf("%w: interval_seconds must be 0-%d", ErrInvalidIntegration, maxIntervalSeconds)
	}
	if i.MaxRetries < 1 || i.MaxRetries > maxRetriesLimit {
		return fmt.Errorf("%w: max_retries must be 1-%d", ErrInvalidIntegration, maxRetriesLimit)
	}
	return nil
}

// typeSchemas lists the required credentials and settings per type.
var typeSchemas = map[Type]string{
	TypeGolioth: `{
		"type": "object",
		"required": ["credentials", "settings"],
		"properties": {
			"credentials": {"type": "object", "required": ["api_key"],
				"properties": {"api_key": {"type": "string", "minLength": 1}}},
			"settings": {"type": "object", "required": ["project_id"],
				"properties": {"project_id": {"type": "string", "minLength": 1}}}
		}
	}`,
	TypeAWSIoT: `{
		"type": "object",
		"required": ["credentials", "settings"],
		"properties": {
			"credentials": {"type": "object", "required": ["access_key_id", "secret_access_key"],
				"properties": {
					"access_key_id": {"type": "string", "minLength": 1},
					"secret_access_key": {"type": "string", "minLength": 1}
				}},
			"settings": {"type": "object", "required": ["region"],
				"properties": {"region": {"type": "string", "pattern": "^[a-z]{2}(-[a-z]+)+-[0-9]+$"}}}
		}
	}`,
	TypeAzureIoT: `{
		"type": "object",
		"required": ["credentials", "settings"],
		"properties": {
			"credentials": {"type": "object", "required": ["shared_access_key", "policy_name"],
				"properties": {
					"shared_access_key": {"type": "string", "minLength": 1},
					"policy_name": {"type": "string", "minLength": 1}
				}},
			"settings": {"type": "object", "required": ["hub_name"],
				"properties": {"hub_name": {"type": "string", "minLength": 1}}}
		}
	}`,
	TypeMQTT: `{
		"type": "object",
		"required": ["base_endpoint"],
		"properties": {
			"base_endpoint": {"type": "string", "pattern": "^(tcp|ssl|tls|ws|wss|mqtt|mqtts)://.+"},
			"settings": {"type": "object",
				"properties": {"topic_prefix": {"type": "string"}}}
		}
	}`,
	TypeWebhook: `{
		"type": "object",
		"required": ["credentials"],
		"properties": {
			"credentials": {"type": "object", "required": ["webhook_secret"],
				"properties": {"webhook_secret": {"type": "string", "minLength": 8}}}
		}
	}`,
	TypeHub: `{
		"type": "object",
		"required": ["credentials"],
		"properties": {
			"credentials": {"type": "object", "required": ["webhook_secret"],
				"properties": {"webhook_secret": {"type": "string", "minLength": 8}}}
		}
	}`,
}

var (
	compiledOnce    sync.Once
	compiledSchemas map[Type]*jsonschema.Schema
	compileErr      error
)

func compileSchemas() (map[Type]*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		c := jsonschema.NewCompiler()
		compiledSchemas = make(map[Type]*jsonschema.Schema, len(typeSchemas))
		for t, src := range typeSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				compileErr = fmt.Errorf("parsing %s schema: %w", t, err)
				return
			}
			url := schemaBaseURL + string(t) + ".json"
			if err := c.AddResource(url, doc); err != nil {
				compileErr = fmt.Errorf("adding %s schema: %w", t, err)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compiling %s schema: %w", t, err)
				return
			}
			compiledSchemas[t] = sch
		}
	})
	return compiledSchemas, compileErr
}

// ValidateConfig checks credentials, settings and endpoint against the
// schema for the integration type.
func ValidateConfig(i *Integration, creds Credentials) error {
	schemas, err := compileSchemas()
	if err != nil {
		return err
	}
	sch, ok := schemas[i.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidType, i.Type)
	}

	credDoc := make(map[string]any, len(creds))
	for k, v := range creds {
		credDoc[k] = v
	}
	settingsDoc := map[string]any{}
	for k, v := range i.Settings {
		settingsDoc[k] = v
	}
	doc := map[string]any{
		"credentials":   credDoc,
		"settings":      settingsDoc,
		"base_endpoint": i.BaseEndpoint,
	}

	if err := sch.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %s", ErrInvalidSettings, flattenValidation(verr))
		}
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

// flattenValidation folds the multi-line validation report into one line.
func flattenValidation(verr *jsonschema.ValidationError) string {
	lines := strings.Split(strings.TrimSpace(verr.Error()), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[i]), "-"))
	}
	return strings.Join(lines, "; ")
}
