/*
 *	Copyright 2024 The mlreco3d Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package config

// GetParamOr returns the module hyperparameter under key cast to T, or
// defaultValue if the key is absent.
//
// YAML decodes scalars loosely (an integer literal decodes to int even where a
// float is wanted), so numeric requests coerce across int/int64/float64.
// A value present but not convertible to T also falls back to defaultValue.
func GetParamOr[T any](m ModuleConfig, key string, defaultValue T) T {
	if m == nil {
		return defaultValue
	}
	raw, ok := m[key]
	if !ok {
		return defaultValue
	}
	if v, ok := raw.(T); ok {
		return v
	}
	if coerced, ok := coerce[T](raw); ok {
		return coerced
	}
	return defaultValue
}

func coerce[T any](raw any) (value T, ok bool) {
	switch any(value).(type) {
	case int:
		if f, isNum := asFloat(raw); isNum && f == float64(int(f)) {
			return any(int(f)).(T), true
		}
	case int64:
		if f, isNum := asFloat(raw); isNum && f == float64(int64(f)) {
			return any(int64(f)).(T), true
		}
	case float64:
		if f, isNum := asFloat(raw); isNum {
			return any(f).(T), true
		}
	case float32:
		if f, isNum := asFloat(raw); isNum {
			return any(float32(f)).(T), true
		}
	case []string:
		list, isList := raw.([]any)
		if !isList {
			return value, false
		}
		strs := make([]string, 0, len(list))
		for _, elem := range list {
			s, isStr := elem.(string)
			if !isStr {
				return value, false
			}
			strs = append(strs, s)
		}
		return any(strs).(T), true
	}
	return value, false
}

func asFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	return 0, false
}
