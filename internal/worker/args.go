// args.go builds the AI CLI argument list for one invocation. Mode flags
// (plan mode, container execution) only influence the argv assembled here;
// they add no states to the machine.
package worker

import (
	"github.com/coxswain-dev/coxswain/prompts"
)

// Opts carries the invocation parameters a worker is constructed with.
type Opts struct {
	Command          string // AI CLI binary, e.g. "claude"
	Model            string
	ContainerRuntime string // e.g. "docker"
	ContainerImage   string // empty disables container mode regardless of the flag
	WorkDir          string
}

// buildSpec assembles the subprocess spec for a prompt. resumeSessionID, when
// non-empty, continues the tool-side session from a previous invocation.
func buildSpec(opts Opts, prompt string, planMode, useContainer bool, resumeSessionID string) ExecSpec {
	args := []string{
		"-p", prompt,
		"--append-system-prompt", prompts.SessionSystemPrompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if planMode {
		args = append(args, "--permission-mode", "plan")
	}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}

	// A container run needs both an image and a directory to mount; with
	// either missing the invocation degrades to host mode.
	if useContainer && opts.ContainerImage != "" && opts.WorkDir != "" {
		runtime := opts.ContainerRuntime
		if runtime == "" {
			runtime = "docker"
		}
		containerArgs := []string{
			"run", "--rm", "-i",
			"-v", opts.WorkDir + ":/workspace",
			"-w", "/workspace",
			opts.ContainerImage,
			opts.Command,
		}
		return ExecSpec{
			Command: runtime,
			Args:    append(containerArgs, args...),
			Dir:     opts.WorkDir,
		}
	}

	return ExecSpec{
		Command: opts.Command,
		Args:    args,
		Dir:     opts.WorkDir,
	}
}
