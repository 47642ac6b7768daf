package process

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// HandlerFunc produces the result of a mocked command.
type HandlerFunc func(cmd *Command) (*Result, error)

type mockHandler struct {
	program string
	args    []string // prefix match
	fn      HandlerFunc
}

// MockRunner is a test implementation of Runner.
//
// MockRunner records every command and answers from handlers registered
// with On/OnArgs. The most recently registered matching handler wins;
// unmatched commands succeed with empty output. It is safe for concurrent
// use.
//
// Usage example:
//
//	mock := process.NewMockRunner()
//	mock.OnArgs("apt-cache", []string{"policy", "pkgA"}, process.Stdout("  Candidate: 2.0\n"))
//	mock.On("apt-get", process.ExitCode(100))
//
//	// ... exercise code ...
//
//	if got := mock.Commands(); ...
type MockRunner struct {
	mu       sync.Mutex
	calls    []*Command
	handlers []mockHandler
}

// NewMockRunner creates a mock runner whose commands all succeed.
func NewMockRunner() *MockRunner {
	return &MockRunner{}
}

func init() {
	// Register mock backend for testing
	Register("mock", func(Options) Runner { return NewMockRunner() })
}

// On answers every invocation of program with fn.
func (m *MockRunner) On(program string, fn HandlerFunc) {
	m.OnArgs(program, nil, fn)
}

// OnArgs answers invocations of program whose arguments start with args.
func (m *MockRunner) OnArgs(program string, args []string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, mockHandler{program: program, args: args, fn: fn})
}

// Stdout returns a handler succeeding with the given output.
func Stdout(out string) HandlerFunc {
	return func(*Command) (*Result, error) {
		return &Result{Stdout: out}, nil
	}
}

// ExitCode returns a handler exiting with code.
func ExitCode(code int) HandlerFunc {
	return func(*Command) (*Result, error) {
		return &Result{ExitCode: code, Stderr: "mock failure"}, nil
	}
}

// WriteInto returns a dd handler applying WriteFile to fs. Paths of chrooted
// commands resolve below the chroot.
func WriteInto(fs afero.Fs) HandlerFunc {
	return func(cmd *Command) (*Result, error) {
		var path string
		for _, a := range cmd.Args {
			if strings.HasPrefix(a, "of=") {
				path = strings.TrimPrefix(a, "of=")
			}
		}
		var data []byte
		if cmd.Stdin != nil {
			var err error
			if data, err = io.ReadAll(cmd.Stdin); err != nil {
				return nil, err
			}
		}
		if err := afero.WriteFile(fs, filepath.Join("/", cmd.Chroot, path), data, 0644); err != nil {
			return &Result{ExitCode: 1, Stderr: err.Error()}, nil
		}
		return &Result{}, nil
	}
}

// RemoveFrom returns an rm handler removing its operands from fs.
func RemoveFrom(fs afero.Fs) HandlerFunc {
	return func(cmd *Command) (*Result, error) {
		for _, a := range cmd.Args {
			if strings.HasPrefix(a, "-") {
				continue
			}
			if err := fs.RemoveAll(filepath.Join("/", cmd.Chroot, a)); err != nil && !os.IsNotExist(err) {
				return &Result{ExitCode: 1, Stderr: err.Error()}, nil
			}
		}
		return &Result{}, nil
	}
}

// Run records cmd and returns the matching handler's result.
func (m *MockRunner) Run(ctx context.Context, cmd *Command) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	fn := m.match(cmd)
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return &Result{ExitCode: -1}, &ExecutionError{Op: "cancel", Command: cmd.String(), Err: ctx.Err()}
	default:
	}

	if fn == nil {
		return &Result{}, nil
	}

	// handlers run unlocked so they may touch the filesystem or register
	// further handlers
	res, err := fn(cmd)
	if res == nil {
		res = &Result{}
	}
	return res, err
}

func (m *MockRunner) match(cmd *Command) HandlerFunc {
	for i := len(m.handlers) - 1; i >= 0; i-- {
		h := m.handlers[i]
		if h.program != cmd.Program || len(h.args) > len(cmd.Args) {
			continue
		}
		matched := true
		for j, a := range h.args {
			if cmd.Args[j] != a {
				matched = false
				break
			}
		}
		if matched {
			return h.fn
		}
	}
	return nil
}

// Calls returns a copy of the recorded commands.
func (m *MockRunner) Calls() []*Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Command, len(m.calls))
	copy(out, m.calls)
	return out
}

// Commands returns the recorded commands rendered with Command.String.
func (m *MockRunner) Commands() []string {
	calls := m.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Find returns the recorded invocations of program.
func (m *MockRunner) Find(program string) []*Command {
	var out []*Command
	for _, c := range m.Calls() {
		if c.Program == program {
			out = append(out, c)
		}
	}
	return out
}

// Ran reports whether a command whose String() starts with prefix was run.
func (m *MockRunner) Ran(prefix string) bool {
	for _, c := range m.Commands() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// CallCount returns the number of recorded commands.
func (m *MockRunner) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears recorded calls and handlers.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.handlers = nil
}
