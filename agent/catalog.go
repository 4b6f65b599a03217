package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/acp/run"
)

type (
	// Registration binds an agent implementation to its name and declared
	// capabilities. The controller consults the registration to decide which
	// lifecycle paths a run may take.
	Registration struct {
		// Name is the unique agent identifier runs are created against.
		Name string
		// Statefulness declares how the agent's execution context relates to
		// the owning process. It gates expiration and restart recovery.
		Statefulness run.Statefulness
		// Resumable declares that terminal runs of this agent accept the
		// continue event. Stateless agents must not set it.
		Resumable bool
		// InputSchema optionally constrains creation payloads (JSON Schema).
		InputSchema json.RawMessage
		// Agent is the implementation.
		Agent Agent
	}

	// Catalog is the injectable name to registration map the controller
	// resolves agents through. It is thread-safe; registrations are expected
	// at startup but late registration is supported.
	Catalog struct {
		mu      sync.RWMutex
		entries map[string]*entry
	}

	// entry pairs a registration with its schema compiled once at Register.
	entry struct {
		reg    Registration
		schema *jsonschema.Schema
	}
)

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]*entry)}
}

// Register validates the registration and adds it to the catalog. It fails
// when the name or agent is missing, the name is already taken, the
// statefulness value is unknown, a stateless agent declares itself resumable,
// or the input schema does not compile.
func (c *Catalog) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if reg.Agent == nil {
		return fmt.Errorf("agent %q: implementation is required", reg.Name)
	}
	if !reg.Statefulness.Valid() {
		return fmt.Errorf("agent %q: invalid statefulness %q", reg.Name, reg.Statefulness)
	}
	if reg.Statefulness == run.Stateless && reg.Resumable {
		return fmt.Errorf("agent %q: stateless agents cannot be resumable", reg.Name)
	}
	var (
		schema *jsonschema.Schema
		err    error
	)
	if len(reg.InputSchema) > 0 {
		if schema, err = compileSchema(reg.InputSchema); err != nil {
			return fmt.Errorf("agent %q: input schema: %w", reg.Name, err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[reg.Name]; ok {
		return fmt.Errorf("agent %q: already registered", reg.Name)
	}
	c.entries[reg.Name] = &entry{reg: reg, schema: schema}
	return nil
}

// Lookup returns the registration for name or ErrUnknownAgent.
func (c *Catalog) Lookup(name string) (Registration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %q", run.ErrUnknownAgent, name)
	}
	return e.reg, nil
}

// ValidateInput checks a creation payload against the agent's input schema.
// It returns ErrUnknownAgent for unregistered names and ErrInvalidInput when
// the payload is not valid JSON or violates the schema. An absent payload is
// validated as JSON null, so the schema decides whether input is required.
// Agents without a schema accept any valid JSON payload, including none.
func (c *Catalog) ValidateInput(name string, payload json.RawMessage) error {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", run.ErrUnknownAgent, name)
	}
	var decoded any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return fmt.Errorf("%w: %s", run.ErrInvalidInput, err)
		}
	}
	if e.schema == nil {
		return nil
	}
	if err := e.schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %s", run.ErrInvalidInput, err)
	}
	return nil
}

// Names returns the registered agent names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateJSON checks a payload against a JSON Schema document. It is used
// for resume payloads, whose schema arrives dynamically with the await
// request rather than from a registration. A nil schema accepts any valid
// JSON. Violations are reported as ErrInvalidInput.
func ValidateJSON(payload, schemaBytes json.RawMessage) error {
	var decoded any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return fmt.Errorf("%w: %s", run.ErrInvalidInput, err)
		}
	}
	if len(schemaBytes) == 0 {
		return nil
	}
	schema, err := compileSchema(schemaBytes)
	if err != nil {
		return fmt.Errorf("%w: %s", run.ErrInvalidInput, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %s", run.ErrInvalidInput, err)
	}
	return nil
}

// compileSchema parses and compiles a JSON Schema document.
func compileSchema(schemaBytes []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
