// Copyright 2024 The Fil Profiler Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"os"
	"os/exec"
	"strings"
)

// Environment variables that install the interception shim in the
// current process. A child process must not inherit them unless it is
// itself being profiled.
const (
	envPrefix  = "FIL_"
	envPreload = "LD_PRELOAD"
)

// ScrubEnviron returns env with all profiler installation variables
// removed. Pass os.Environ() when spawning an unprofiled child.
func ScrubEnviron(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, envPrefix) || name == envPreload {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// Command returns an exec.Cmd whose environment has the profiler's
// installation variables stripped, so the child runs untraced.
func Command(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.Env = ScrubEnviron(os.Environ())
	return cmd
}
