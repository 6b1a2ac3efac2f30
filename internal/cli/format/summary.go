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

package format

import "fmt"

// Summary renders a cycle's Ready/Failed destination counts for CLI
// output. Colorized when stdout is an interactive terminal, plain text
// otherwise (piped output, NO_COLOR, dumb terminal).
func Summary(ready, failed int) string {
	if !IsTTY() {
		return fmt.Sprintf("ready=%d failed=%d", ready, failed)
	}
	if failed > 0 {
		return fmt.Sprintf("\x1b[32mready=%d\x1b[0m \x1b[31mfailed=%d\x1b[0m", ready, failed)
	}
	return fmt.Sprintf("\x1b[32mready=%d failed=%d\x1b[0m", ready, failed)
}
