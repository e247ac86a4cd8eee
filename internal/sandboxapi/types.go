package sandboxapi

// Sandbox statuses reported by the platform.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Sandbox describes one remote sandbox instance.
type Sandbox struct {
	ID      string `json:"id"`
	Runtime string `json:"runtime"`
	Status  string `json:"status"`
}

// FileEntry is one file in a batch write. Path is relative to the sandbox's
// working directory.
type FileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// CommandResult is the outcome of one command run inside a sandbox.
type CommandResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type createSandboxRequest struct {
	Runtime     string `json:"runtime"`
	IdleSeconds int64  `json:"idleTimeoutSeconds"`
}

type writeFilesRequest struct {
	Files []FileEntry `json:"files"`
}

type runCommandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
