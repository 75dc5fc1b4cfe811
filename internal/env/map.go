package env

import "sort"

// Map is an ordered-insensitive string->string environment map, mirroring
// turborepo's EnvironmentVariableMap: a plain map plus a handful of
// deterministic helpers used for layering and hashing.
type Map map[string]string

// Clone returns a shallow copy.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Union overwrites the receiver's keys with another's.
func (m Map) Union(another Map) {
	for k, v := range another {
		m[k] = v
	}
}

// Names returns a sorted list of keys, used wherever env vars feed a
// digest and need a deterministic order.
func (m Map) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ToStringMap converts to a plain map[string]string, the shape the rest of
// the core (fingerprint.TaskInput.Env, executor.EnvResolver) expects.
func (m Map) ToStringMap() map[string]string {
	return map[string]string(m.Clone())
}

func fromOSEnviron(environ []string) Map {
	out := make(Map, len(environ))
	for _, kv := range environ {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
