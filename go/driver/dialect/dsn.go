// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dialect

import (
	"net/url"
	"sort"
	"strings"

	"github.com/multigres/odbcx/go/common/mterrors"
)

// DSN is a parsed data source name. ODBC style strings
// ("Driver={SQLite3};Database=:memory:") populate Attrs with upper-cased
// keys. URL style strings ("postgres://...") keep the URL in URL and map the
// scheme to Attrs["DRIVER"].
type DSN struct {
	Raw   string
	Attrs map[string]string
	URL   *url.URL
}

// Get returns the first non-empty attribute among keys.
func (d *DSN) Get(keys ...string) string {
	for _, k := range keys {
		if v := d.Attrs[strings.ToUpper(k)]; v != "" {
			return v
		}
	}
	return ""
}

// Driver returns the DRIVER attribute with surrounding braces removed.
func (d *DSN) Driver() string {
	return d.Attrs["DRIVER"]
}

// String returns the DSN with credentials masked, suitable for logging.
func (d *DSN) String() string {
	if d.URL != nil {
		return d.URL.Redacted()
	}
	keys := make([]string, 0, len(d.Attrs))
	for k := range d.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		v := d.Attrs[k]
		if k == "PWD" || k == "PASSWORD" {
			v = "xxxxx"
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(v)
		sb.WriteByte(';')
	}
	return sb.String()
}

// ParseDSN parses an ODBC connection string or a URL.
func ParseDSN(s string) (*DSN, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, mterrors.Validationf("connection string is empty")
	}
	if scheme, _, ok := strings.Cut(s, "://"); ok && !strings.ContainsAny(scheme, "=;{") {
		u, err := url.Parse(s)
		if err != nil {
			return nil, mterrors.Wrap(err, mterrors.Validation, mterrors.CodeValidation, "invalid connection URL")
		}
		return &DSN{Raw: s, URL: u, Attrs: map[string]string{"DRIVER": u.Scheme}}, nil
	}

	attrs := make(map[string]string)
	for i := 0; i < len(s); {
		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			if rest := strings.TrimSpace(s[i:]); rest != "" && rest != ";" {
				return nil, mterrors.Validationf("connection string attribute %q has no value", rest)
			}
			break
		}
		key := strings.ToUpper(strings.TrimSpace(s[i : i+eq]))
		if key == "" {
			return nil, mterrors.Validationf("connection string has an empty attribute name at offset %d", i)
		}
		i += eq + 1

		var val string
		if i < len(s) && s[i] == '{' {
			// Braced values may contain ';' and escape '}' as '}}'.
			var sb strings.Builder
			j := i + 1
			closed := false
			for j < len(s) {
				if s[j] == '}' {
					if j+1 < len(s) && s[j+1] == '}' {
						sb.WriteByte('}')
						j += 2
						continue
					}
					closed = true
					j++
					break
				}
				sb.WriteByte(s[j])
				j++
			}
			if !closed {
				return nil, mterrors.Validationf("unterminated brace in value of %s", key)
			}
			val = sb.String()
			i = j
			if semi := strings.IndexByte(s[i:], ';'); semi >= 0 {
				i += semi + 1
			} else {
				i = len(s)
			}
		} else {
			end := strings.IndexByte(s[i:], ';')
			if end < 0 {
				end = len(s) - i
			}
			val = strings.TrimSpace(s[i : i+end])
			i += end + 1
		}
		attrs[key] = val
	}
	if len(attrs) == 0 {
		return nil, mterrors.Validationf("connection string has no attributes")
	}
	return &DSN{Raw: s, Attrs: attrs}, nil
}
