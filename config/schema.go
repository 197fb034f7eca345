package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

const schemaSource = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Breaker: {
	failures?: int & >=0
	open?:     #Duration
	interval?: #Duration
}

#Endpoint: {
	url?:           string
	timeout?:       #Duration
	retries?:       int & >=0 & <=10
	retry_initial?: #Duration
	breaker?:       #Breaker
}

#Rule: {
	id:        string & !=""
	when:      string & !=""
	severity?: "info" | "success" | "warning" | "error"
	message?:  string
}

#Config: {
	listen?:     string
	hot_reload?: bool
	logging?: {
		level?:  "" | "trace" | "debug" | "info" | "warn" | "error" | "fatal" | "panic" | "disabled"
		format?: "" | "json" | "text"
		loki?: {
			enabled?: bool
			url?:     string
			labels?: [string]: string
		}
	}
	telemetry?: {
		enabled?:  bool
		provider?: "" | "prometheus"
	}
	upstream?: #Endpoint
	polling?: {
		source?:     "local" | "http"
		endpoint?:   #Endpoint
		interval?:   #Duration
		timeout?:    #Duration
		history?:    int & >=1 & <=10000
		auto_start?: bool
	}
	notifications?: {
		display?:               #Duration
		capacity?:              int & >=1
		track_membership?:      bool
		disable_default_rules?: bool
		rules?: [...#Rule]
	}
	preferences?: {
		backend?: "memory" | "file" | "postgres"
		path?:    string
		dsn?:     string
		table?:   =~"^[A-Za-z_][A-Za-z0-9_]*$"
	}
	sinks?: {
		workers?: int & >=1
		timeout?: #Duration
		mqtt?: {
			enabled?:         bool
			broker?:          string
			client_id?:       string
			username?:        string
			password?:        string
			topic?:           string
			qos?:             0 | 1 | 2
			connect_timeout?: #Duration
			connect_retries?: int & >=0
		}
		influx?: {
			enabled?: bool
			url?:     string
			token?:   string
			org?:     string
			bucket?:  string
		}
	}
}
`

var (
	schemaOnce sync.Once
	schemaMu   sync.Mutex
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error
)

func loadSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		root := schemaCtx.CompileString(schemaSource, cue.Filename("signalboard.cue"))
		if err := root.Err(); err != nil {
			schemaErr = fmt.Errorf("compile config schema: %w", err)
			return
		}
		schemaDef = root.LookupPath(cue.ParsePath("#Config"))
		if err := schemaDef.Err(); err != nil {
			schemaErr = fmt.Errorf("lookup config schema: %w", err)
		}
	})
	return schemaCtx, schemaDef, schemaErr
}

// validateSchema unifies the raw document with the configuration schema so
// unknown keys and out of range values are reported before decoding.
func validateSchema(raw []byte) error {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	ctx, def, err := loadSchema()
	if err != nil {
		return err
	}
	// cue values are not safe for concurrent use
	schemaMu.Lock()
	defer schemaMu.Unlock()
	value := ctx.Encode(doc)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	unified := def.Unify(value)
	if err := unified.Validate(); err != nil {
		return fmt.Errorf("invalid config: %s", errors.Details(err, nil))
	}
	return nil
}
