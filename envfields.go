// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package logpipe

import "strings"

// EnvFieldPrefix marks environment variables whose lower-cased,
// underscore-delimited suffix becomes a nested field path merged into every
// outgoing document, e.g. LOG_ES_VAR_A_B_C=v yields {"a":{"b":{"c":"v"}}}.
const EnvFieldPrefix = "LOG_ES_VAR_"

// ExtraFieldsFromEnviron builds the additional-fields object from an
// environment in the form returned by os.Environ.
func ExtraFieldsFromEnviron(environ []string) map[string]any {
	fields := make(map[string]any)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvFieldPrefix) {
			continue
		}
		suffix := strings.ToLower(strings.TrimPrefix(name, EnvFieldPrefix))
		if suffix == "" {
			continue
		}
		setFieldPath(fields, strings.Split(suffix, "_"), value)
	}
	return fields
}

// setFieldPath sets value at the given key path, creating intermediate maps
// as needed. A non-map value on the path is replaced by a map.
func setFieldPath(m map[string]any, path []string, value any) {
	if len(path) == 1 {
		m[path[0]] = value
		return
	}
	child, ok := m[path[0]].(map[string]any)
	if !ok {
		child = make(map[string]any)
		m[path[0]] = child
	}
	setFieldPath(child, path[1:], value)
}
