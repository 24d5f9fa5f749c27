// Package executor builds buildctl invocations, runs them as killable processes and
// extracts cache metrics from their progress output.
package executor

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/drewstone/docker-builder-platform/internal/domain"
)

// SecretEnvPrefix prefixes the environment variables that carry build secrets.
const SecretEnvPrefix = "BUILD_SECRET_"

// Invocation is a fully resolved executor command.
type Invocation struct {
	Name string
	Args []string
	// Env is appended to the parent environment. Secret values only ever travel here.
	Env []string
}

// String renders the invocation without environment values.
func (i Invocation) String() string {
	return strings.Join(append([]string{i.Name}, i.Args...), " ")
}

// Command builds the buildctl invocation for cfg. Build args and secrets are emitted in
// key order so invocations are reproducible.
func Command(binary, buildkitHost string, cfg domain.BuildConfig, secrets map[string]string) Invocation {
	if binary == "" {
		binary = "buildctl"
	}
	contextDir := cfg.Context
	if contextDir == "" {
		contextDir = "."
	}
	dockerfileDir := cfg.Dockerfile
	if dockerfileDir == "" {
		dockerfileDir = "."
	}

	args := []string{
		"build",
		"--frontend", "dockerfile.v0",
		"--local", "context=" + contextDir,
		"--local", "dockerfile=" + dockerfileDir,
	}
	if len(cfg.Platforms) > 0 {
		args = append(args, "--opt", "platform="+strings.Join(cfg.Platforms, ","))
	}
	for _, tag := range cfg.Tags {
		args = append(args, "--output", fmt.Sprintf("type=image,name=%s,push=%t", tag, cfg.Push))
	}
	for _, key := range sortedKeys(cfg.BuildArgs) {
		args = append(args, "--opt", "build-arg:"+key+"="+cfg.BuildArgs[key])
	}
	if cfg.CacheFrom != "" {
		args = append(args, "--import-cache", "type=registry,ref="+cfg.CacheFrom)
	}
	if cfg.CacheTo != "" {
		args = append(args, "--export-cache", "type=registry,ref="+cfg.CacheTo)
	}

	var env []string
	if buildkitHost != "" {
		env = append(env, "BUILDKIT_HOST="+buildkitHost)
	}
	for n, key := range sortedKeys(secrets) {
		name := SecretEnvPrefix + strconv.Itoa(n)
		args = append(args, "--secret", "id="+key+",env="+name)
		env = append(env, name+"="+secrets[key])
	}
	return Invocation{Name: binary, Args: args, Env: env}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
