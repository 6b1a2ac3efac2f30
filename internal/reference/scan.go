// Copyright 2025 Tom Barlow
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

package reference

// Placeholder is one {{ ... }} occurrence located in a byte stream.
type Placeholder struct {
	// Start and End are byte offsets; End is exclusive and points past
	// the closing "}}".
	Start, End int

	// Body is the trimmed interior text between the delimiters.
	Body string
}

// Scan performs a byte-oriented search for "{{" / "}}" pairs in data.
// Placeholders never span a scan boundary and the search never attempts
// to interpret bytes as any particular encoding: non-UTF-8 bytes outside
// placeholders are left untouched by the caller (the renderer copies them
// verbatim), matching the byte-local replacement rule in the template
// grammar.
func Scan(data []byte) []Placeholder {
	var out []Placeholder
	i := 0
	for i < len(data) {
		start := indexOpen(data, i)
		if start < 0 {
			break
		}
		end := indexClose(data, start+2)
		if end < 0 {
			break
		}
		body := string(data[start+2 : end])
		out = append(out, Placeholder{
			Start: start,
			End:   end + 2,
			Body:  trimSpace(body),
		})
		i = end + 2
	}
	return out
}

func indexOpen(data []byte, from int) int {
	for i := from; i+1 < len(data); i++ {
		if data[i] == '{' && data[i+1] == '{' {
			return i
		}
	}
	return -1
}

func indexClose(data []byte, from int) int {
	for i := from; i+1 < len(data); i++ {
		if data[i] == '}' && data[i+1] == '}' {
			return i
		}
	}
	return -1
}

// trimSpace trims ASCII whitespace without pulling in strings/unicode
// machinery for a hot, byte-oriented loop.
func trimSpace(s string) string {
	start := 0
	for start < len(s) && isSpace(s[start]) {
		start++
	}
	end := len(s)
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
