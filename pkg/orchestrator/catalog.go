package orchestrator

import (
	"sort"
	"strings"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/pipeline"
)

// catalog holds registered definitions by name, keeping every version.
// The most recently registered version of a name is its default. Callers
// hold Orchestrator.mu.
type catalog struct {
	latest map[string]*pipeline.Definition
	byRef  map[string]*pipeline.Definition
}

func newCatalog() catalog {
	return catalog{
		latest: make(map[string]*pipeline.Definition),
		byRef:  make(map[string]*pipeline.Definition),
	}
}

// RegisterPipeline adds def to the catalog. Registering the same
// definition twice is a no-op; registering a different definition under
// an existing name@version fails with [sserr.CodeConflictAlreadyExists].
func (o *Orchestrator) RegisterPipeline(def *pipeline.Definition) error {
	if def == nil {
		return sserr.New(sserr.CodeValidationRequired, "orchestrator: pipeline definition is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	ref := def.Ref()
	if existing, ok := o.catalog.byRef[ref]; ok {
		if existing == def {
			return nil
		}
		return sserr.Newf(sserr.CodeConflictAlreadyExists,
			"orchestrator: pipeline %s is already registered", ref).
			WithDetail("pipeline", def.Name()).
			WithDetail("version", def.Version())
	}
	o.catalog.byRef[ref] = def
	o.catalog.latest[def.Name()] = def

	o.logger.Info("orchestrator: pipeline registered",
		"pipeline", ref,
		"steps", def.Len(),
	)
	return nil
}

// Pipeline returns the definition registered under name, which is either
// a bare name (latest version) or name@version.
func (o *Orchestrator) Pipeline(name string) (*pipeline.Definition, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if strings.Contains(name, "@") {
		def, ok := o.catalog.byRef[name]
		return def, ok
	}
	def, ok := o.catalog.latest[name]
	return def, ok
}

// Pipelines returns every registered definition ordered by name then
// version.
func (o *Orchestrator) Pipelines() []*pipeline.Definition {
	o.mu.RLock()
	out := make([]*pipeline.Definition, 0, len(o.catalog.byRef))
	for _, def := range o.catalog.byRef {
		out = append(out, def)
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() != out[j].Name() {
			return out[i].Name() < out[j].Name()
		}
		return out[i].Version() < out[j].Version()
	})
	return out
}

func (o *Orchestrator) lookup(name string) (*pipeline.Definition, error) {
	def, ok := o.Pipeline(name)
	if !ok {
		return nil, sserr.Newf(sserr.CodeNotFoundPipeline, "orchestrator: pipeline %q is not registered", name).
			WithDetail("pipeline", name)
	}
	return def, nil
}
