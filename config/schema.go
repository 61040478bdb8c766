package config

import (
	"errors"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
)

const schemaSource = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	name?:             string
	endpoint:          string & =~"^[a-z][a-z0-9+.-]*://"
	driver?:           "mqtt" | "websocket"
	connection?:       {...}
	workers?:          int & >=0
	shutdown_timeout?: #Duration
	hot_reload?:       bool
	retry?: {
		initial_interval?: #Duration
		max_interval?:     #Duration
		multiplier?:       number & >=1
		max_elapsed?:      #Duration
		max_retries?:      int & >=0
	}
	logging?: {
		level?:  "trace" | "debug" | "info" | "warn" | "error"
		format?: "json" | "text"
		loki?: {
			enabled?: bool
			url?:     string
			labels?: {[string]: string}
		}
	}
	telemetry?: {
		enabled?: bool
		listen?:  string
	}
}
`

var (
	schemaOnce  sync.Once
	schemaCtx   *cue.Context
	schemaValue cue.Value
	schemaErr   error
)

func compiledSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		root := schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := root.Err(); err != nil {
			schemaErr = fmt.Errorf("compile config schema: %w", err)
			return
		}
		schemaValue = root.LookupPath(cue.ParsePath("#Config"))
		if err := schemaValue.Err(); err != nil {
			schemaErr = fmt.Errorf("lookup config schema: %w", err)
		}
	})
	return schemaCtx, schemaValue, schemaErr
}

func validateSchema(name string, raw []byte) error {
	ctx, schema, err := compiledSchema()
	if err != nil {
		return err
	}
	file, err := cueyaml.Extract(name, raw)
	if err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	data := ctx.BuildFile(file)
	if err := data.Err(); err != nil {
		return fmt.Errorf("build yaml: %w", err)
	}
	if err := schema.Unify(data).Validate(); err != nil {
		return schemaError(err)
	}
	return nil
}

func schemaError(err error) error {
	details := cueerrors.Errors(err)
	if len(details) == 0 {
		return fmt.Errorf("schema: %w", err)
	}
	errs := make([]error, 0, len(details))
	for _, detail := range details {
		errs = append(errs, fmt.Errorf("schema: %s", detail.Error()))
	}
	return errors.Join(errs...)
}
