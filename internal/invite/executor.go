package invite

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentbus/agentbus/internal/common/logger"
)

// placeholderPattern matches {name} placeholders in invoke commands.
var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// allowedPlaceholders is the whitelist of values the executor will bind.
// Anything else in a command is a configuration error.
var allowedPlaceholders = map[string]bool{
	"thread_id": true,
	"bus_url":   true,
}

// Result is the synchronous outcome of an invocation. OK means the
// subprocess was started; the bus does not track it further.
type Result struct {
	OK      bool   `json:"ok"`
	Command string `json:"command_executed,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Executor resolves catalog entries and spawns their commands detached from
// the server's lifecycle.
type Executor struct {
	entries map[string]CatalogEntry
	busURL  string
	logDir  string
	logger  *logger.Logger
}

// NewExecutor creates an executor over a loaded catalog. busURL is offered
// to commands via the {bus_url} placeholder; logDir receives one stdout/
// stderr capture file per invocation.
func NewExecutor(entries []CatalogEntry, busURL, logDir string, log *logger.Logger) *Executor {
	byName := make(map[string]CatalogEntry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	return &Executor{entries: byName, busURL: busURL, logDir: logDir, logger: log}
}

// Entries returns the catalog entries, invite-ready or not.
func (e *Executor) Entries() []CatalogEntry {
	result := make([]CatalogEntry, 0, len(e.entries))
	for _, entry := range e.entries {
		result = append(result, entry)
	}
	return result
}

// Lookup returns the catalog entry for a name.
func (e *Executor) Lookup(name string) (CatalogEntry, bool) {
	entry, ok := e.entries[name]
	return entry, ok
}

// Invoke interpolates the entry's command for the given thread and starts it
// as a detached subprocess. Spawn failures are reported in the Result, not as
// errors; the caller decides whether that is an API failure.
func (e *Executor) Invoke(name, threadID string) Result {
	entry, ok := e.entries[name]
	if !ok || !entry.Enabled {
		return Result{OK: false, Reason: fmt.Sprintf("no enabled catalog entry named %q", name)}
	}

	command, err := e.renderCommand(entry.InvokeCommand, threadID)
	if err != nil {
		return Result{OK: false, Reason: err.Error()}
	}

	logFile, err := e.openLogFile(entry.Name)
	if err != nil {
		return Result{OK: false, Command: command, Reason: fmt.Sprintf("failed to open invocation log: %v", err)}
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group so the timeout kill reaches the whole shell pipeline
	// and server shutdown does not take the agent down with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return Result{OK: false, Command: command, Reason: err.Error()}
	}

	e.logger.Info("invited agent",
		zap.String("agent", entry.Name),
		zap.String("thread_id", threadID),
		zap.Int("pid", cmd.Process.Pid))

	timeout := time.Duration(entry.TimeoutSeconds) * time.Second
	go e.reap(cmd, logFile, entry.Name, timeout)

	return Result{OK: true, Command: command}
}

// reap waits for the subprocess, killing its process group at the timeout
// deadline. The exit status is logged and otherwise ignored.
func (e *Executor) reap(cmd *exec.Cmd, logFile *os.File, name string, timeout time.Duration) {
	defer func() { _ = logFile.Close() }()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			e.logger.Debug("invited agent exited with error",
				zap.String("agent", name), zap.Error(err))
		}
	case <-time.After(timeout):
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		e.logger.Warn("invited agent killed at timeout",
			zap.String("agent", name),
			zap.Duration("timeout", timeout))
	}
}

// renderCommand binds whitelisted placeholders and rejects everything else.
// Runtime values are shell-quoted; the command template itself is trusted
// operator configuration.
func (e *Executor) renderCommand(template, threadID string) (string, error) {
	for _, match := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if !allowedPlaceholders[match[1]] {
			return "", fmt.Errorf("invoke_command contains unknown placeholder {%s}", match[1])
		}
	}
	command := strings.ReplaceAll(template, "{thread_id}", shellQuote(threadID))
	command = strings.ReplaceAll(command, "{bus_url}", shellQuote(e.busURL))
	return command, nil
}

func (e *Executor) openLogFile(name string) (*os.File, error) {
	if err := os.MkdirAll(e.logDir, 0o755); err != nil {
		return nil, err
	}
	filename := fmt.Sprintf("%s-%s.log", name, time.Now().UTC().Format("20060102-150405.000"))
	return os.Create(filepath.Join(e.logDir, filename))
}

// shellQuote wraps a value in single quotes for /bin/sh, escaping embedded
// single quotes.
func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
