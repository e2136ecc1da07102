package env

import (
	"os"
	"sort"
	"strings"
)

// ServiceNameKey is the variable through which a child learns which service it runs as.
const ServiceNameKey = "SERVICE_NAME"

// Vars is a KEY -> VALUE set.
type Vars map[string]string

// Env composes the environment handed to supervised children.
// Layers apply in order: base (OS environment unless replaced), global vars,
// per-service vars, then the service identity.
type Env struct {
	base   Vars
	global Vars
}

// New returns an Env whose base is the current OS environment.
func New() *Env {
	return &Env{base: Parse(os.Environ()), global: make(Vars)}
}

// NewWithBase returns an Env with an explicit base instead of the OS environment.
func NewWithBase(base []string) *Env {
	return &Env{base: Parse(base), global: make(Vars)}
}

// Set adds or replaces a global variable.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.global[k] = v
}

// SetAll applies KEY=VALUE pairs as global variables; malformed entries are skipped.
func (e *Env) SetAll(kvs []string) {
	for k, v := range Parse(kvs) {
		e.Set(k, v)
	}
}

// ForService returns the sorted KEY=VALUE list for the named service.
// ${VAR} references are expanded once against the composed set.
func (e *Env) ForService(name string, perService []string) []string {
	m := make(Vars, len(e.base)+len(e.global)+len(perService)+1)
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.global {
		m[k] = v
	}
	for k, v := range Parse(perService) {
		m[k] = v
	}
	m[ServiceNameKey] = name

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Parse converts KEY=VALUE pairs into Vars, dropping entries without '=' or with an empty key.
func Parse(kvs []string) Vars {
	m := make(Vars, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
