package executor

import (
	"fmt"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// ContainerExecutor runs container and container-compose kind steps by
// shelling out to the configured container runtime CLI (docker/podman),
// invoking external binaries via os/exec rather than linking a
// container-engine client library — no example repo in the corpus vendors
// a Docker Engine API client.
type ContainerExecutor struct {
	logger *zap.Logger
	// binary is the container CLI to invoke; defaults to "docker".
	binary string
	shell  *ShellExecutor
}

// NewContainerExecutor constructs a container-kind executor.
func NewContainerExecutor(logger *zap.Logger) *ContainerExecutor {
	return &ContainerExecutor{logger: logger, binary: "docker", shell: NewShellExecutor(logger)}
}

// Execute runs ec.Command inside ec.Image, mounting the workspace at
// ec.Workdir (default /workspace) per §4.1.
func (c *ContainerExecutor) Execute(ec *ExecContext) *Result {
	started := time.Now().UTC()

	if ec.Image == "" {
		return &Result{Status: StatusFailure, ExitCode: -1, StartedAt: started, CompletedAt: time.Now().UTC(), Error: "container step requires an image"}
	}
	parsed, err := ValidateImageRef(ec.Image)
	if err != nil {
		return &Result{Status: StatusFailure, ExitCode: -1, StartedAt: started, CompletedAt: time.Now().UTC(), Error: err.Error()}
	}

	workdir := ec.Workdir
	if workdir == "" {
		workdir = "/workspace"
	}

	args := []string{"run", "--rm"}
	if ec.PullPolicy != "" {
		args = append(args, "--pull", ec.PullPolicy)
	}
	args = append(args, "-v", ec.WorkspaceDir+":"+workdir, "-w", workdir)
	for k, v := range ec.Env {
		args = append(args, "-e", k+"="+v)
	}
	if ec.Network != "" {
		args = append(args, "--network", ec.Network)
	}
	for _, vol := range ec.Volumes {
		args = append(args, "-v", vol)
	}
	args = append(args, ec.Image, "/bin/sh", "-c", ec.Command)

	shellEC := *ec
	shellEC.Command = c.binary + " " + strings.Join(quoteArgs(args), " ")
	res := c.shell.Execute(&shellEC)
	if parsed.Digest != "" {
		res.ImageDigest = string(parsed.Digest)
		res.ImageMediaType = ocispec.MediaTypeImageManifest
	}
	return res
}

func quoteArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t\"'$") {
			out[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			out[i] = a
		}
	}
	return out
}

// ImageRef is a container image reference split into its name, tag, and
// (if pinned) content digest.
type ImageRef struct {
	Name   string
	Tag    string
	Digest digest.Digest
}

// ValidateImageRef parses and rejects an obviously malformed image
// reference before a pull is attempted (§4.9's docker-image policy
// matches against Name). A `name@digest` suffix is validated against the
// OCI digest grammar via go-digest rather than left to surface as an
// opaque pull failure later.
func ValidateImageRef(ref string) (ImageRef, error) {
	if strings.TrimSpace(ref) == "" {
		return ImageRef{}, fmt.Errorf("empty image reference")
	}
	if strings.ContainsAny(ref, " \t\n") {
		return ImageRef{}, fmt.Errorf("invalid image reference %q: contains whitespace", ref)
	}

	rest := ref
	var dig digest.Digest
	if at := strings.LastIndex(rest, "@"); at != -1 {
		dig = digest.Digest(rest[at+1:])
		if err := dig.Validate(); err != nil {
			return ImageRef{}, fmt.Errorf("invalid image reference %q: %w", ref, err)
		}
		rest = rest[:at]
	}

	name, tag := rest, ""
	if colon := strings.LastIndex(rest, ":"); colon != -1 && !strings.Contains(rest[colon:], "/") {
		name, tag = rest[:colon], rest[colon+1:]
	}
	if name == "" {
		return ImageRef{}, fmt.Errorf("invalid image reference %q: missing name", ref)
	}
	return ImageRef{Name: name, Tag: tag, Digest: dig}, nil
}
