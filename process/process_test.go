package process

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ValidBackends(t *testing.T) {
	for _, name := range []string{"chroot", "nspawn", "mock"} {
		t.Run(name, func(t *testing.T) {
			r, err := New(name, Options{})
			require.NoError(t, err)
			require.NotNil(t, r)
		})
	}

	r, _ := New("nspawn", Options{UseSudo: true})
	host, ok := r.(*HostRunner)
	require.True(t, ok, "nspawn backend returned %T", r)
	assert.Equal(t, IsolationNspawn, host.Isolation)
	assert.True(t, host.UseSudo)
}

func TestNew_InvalidBackend(t *testing.T) {
	r, err := New("jail", Options{})
	assert.Nil(t, r)

	var unknownErr *ErrUnknownBackend
	require.True(t, errors.As(err, &unknownErr))
	assert.Equal(t, "jail", unknownErr.Backend)
	assert.Equal(t, "unknown process backend: jail", err.Error())
}

func TestRegister_Duplicate(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Register() with duplicate name should panic")
		}
	}()

	Register("mock", func(Options) Runner { return NewMockRunner() })
}

func TestCommand_String(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"plain", Command{Program: "apt-get", Args: []string{"-y", "install", "curl"}}, "apt-get -y install curl"},
		{"quoted", Command{Program: "dpkg-query", Args: []string{"-W", "--showformat=${Package} ${Version}\n"}}, `dpkg-query -W "--showformat=${Package} ${Version}\n"`},
		{"empty arg", Command{Program: "echo", Args: []string{""}}, `echo ""`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cmd.String())
		})
	}
}

func TestResult_LinesAndOutput(t *testing.T) {
	res := &Result{Stdout: "curl\nlibcurl4\n", Stderr: "W: warning\n"}
	assert.Equal(t, []string{"curl", "libcurl4"}, res.Lines())
	assert.Equal(t, "curl\nlibcurl4\nW: warning", res.Output())

	var nilRes *Result
	assert.Nil(t, nilRes.Lines())
	assert.Equal(t, "", nilRes.Output())
	assert.Nil(t, (&Result{}).Lines())
}

func TestHostRunner_Argv(t *testing.T) {
	env := map[string]string{"LC_ALL": "C.UTF-8", "HOME": "/root"}

	tests := []struct {
		name        string
		isolation   Isolation
		sudo        bool
		cmd         Command
		wantArgs    []string
		wantDir     string
		wantInherit bool
	}{
		{
			name:        "host command",
			isolation:   IsolationChroot,
			cmd:         Command{Program: "rsync", Args: []string{"-a", "src/", "dst"}, Dir: "/work"},
			wantArgs:    []string{"rsync", "-a", "src/", "dst"},
			wantDir:     "/work",
			wantInherit: true,
		},
		{
			name:        "chroot",
			isolation:   IsolationChroot,
			cmd:         Command{Program: "apt-get", Args: []string{"update"}, Chroot: "/w/a.fs", Env: env},
			wantArgs:    []string{"chroot", "/w/a.fs", "apt-get", "update"},
			wantDir:     "/",
			wantInherit: true,
		},
		{
			name:      "chroot with dir",
			isolation: IsolationChroot,
			cmd:       Command{Program: "apt-get", Args: []string{"download", "vim"}, Chroot: "/w/a.fs", Dir: "/mirror-files"},
			wantArgs: []string{"chroot", "/w/a.fs", "/bin/sh", "-c", `cd "$1" && shift && exec "$@"`, "sh", "/mirror-files",
				"apt-get", "download", "vim"},
			wantDir:     "/",
			wantInherit: true,
		},
		{
			name:      "chroot with sudo carries env",
			isolation: IsolationChroot,
			sudo:      true,
			cmd:       Command{Program: "apt-get", Args: []string{"update"}, Chroot: "/w/a.fs", Env: env},
			wantArgs: []string{"sudo", "-n", "env", "HOME=/root", "LC_ALL=C.UTF-8",
				"chroot", "/w/a.fs", "apt-get", "update"},
			wantDir:     "/",
			wantInherit: false,
		},
		{
			name:      "nspawn",
			isolation: IsolationNspawn,
			cmd:       Command{Program: "apt-get", Args: []string{"download", "vim"}, Chroot: "/w/a.fs", Dir: "/mirror-files", Env: env},
			wantArgs: []string{"systemd-nspawn", "--quiet", "--register=no", "-D", "/w/a.fs", "--chdir=/mirror-files",
				"--setenv=HOME=/root", "--setenv=LC_ALL=C.UTF-8", "apt-get", "download", "vim"},
			wantInherit: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHostRunner(tt.isolation, Options{UseSudo: tt.sudo})
			h.euid = func() int { return 1000 }

			args, dir, inherit := h.argv(&tt.cmd)
			if diff := cmp.Diff(tt.wantArgs, args); diff != "" {
				t.Errorf("argv mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.wantDir, dir)
			assert.Equal(t, tt.wantInherit, inherit)
		})
	}
}

func TestHostRunner_NoSudoWhenRoot(t *testing.T) {
	h := NewHostRunner(IsolationChroot, Options{UseSudo: true})
	h.euid = func() int { return 0 }

	args, _, _ := h.argv(&Command{Program: "umount", Args: []string{"/mnt"}, Sudo: true})
	assert.Equal(t, []string{"umount", "/mnt"}, args)
}

func TestHostRunner_Run(t *testing.T) {
	var transcript bytes.Buffer
	h := NewHostRunner(IsolationChroot, Options{Transcript: &transcript})
	ctx := context.Background()

	res, err := h.Run(ctx, &Command{Program: "sh", Args: []string{"-c", "echo out; echo err >&2; exit 3"}})
	require.NoError(t, err, "non-zero exit is not a Run error")
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Contains(t, transcript.String(), `>>> sh -c "echo out; echo err >&2; exit 3"`)
	assert.Contains(t, transcript.String(), "out\n")

	_, err = Exec(ctx, h, &Command{Program: "sh", Args: []string{"-c", "exit 3"}})
	code, ok := IsCommandFailure(err)
	assert.True(t, ok)
	assert.Equal(t, 3, code)
	assert.True(t, errors.Is(err, ErrCommandFailed))

	res, err = Exec(ctx, h, &Command{Program: "sh", Args: []string{"-c", "printf \"$GREETING\""}, Env: map[string]string{"GREETING": "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Stdout)

	res, err = Exec(ctx, h, &Command{Program: "cat", Stdin: strings.NewReader("passphrase")})
	require.NoError(t, err)
	assert.Equal(t, "passphrase", res.Stdout)
}

func TestHostRunner_ContextTranscriptWins(t *testing.T) {
	var fallback, stage bytes.Buffer
	h := NewHostRunner(IsolationChroot, Options{Transcript: &fallback})

	ctx := WithTranscript(context.Background(), &stage)
	_, err := Exec(ctx, h, &Command{Program: "true"})
	require.NoError(t, err)

	assert.Contains(t, stage.String(), ">>> true")
	assert.Empty(t, fallback.String())
}

func TestHostRunner_Timeout(t *testing.T) {
	h := NewHostRunner(IsolationChroot, Options{})

	_, err := h.Run(context.Background(), &Command{Program: "sleep", Args: []string{"5"}, Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "timeout", execErr.Op)
}

func TestHostRunner_MissingProgram(t *testing.T) {
	h := NewHostRunner(IsolationChroot, Options{})

	res, err := h.Run(context.Background(), &Command{Program: "/nonexistent/program"})
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "exec", execErr.Op)
	assert.Equal(t, -1, res.ExitCode)
}

func TestMockRunner(t *testing.T) {
	m := NewMockRunner()
	m.On("apt-get", ExitCode(100))
	m.OnArgs("apt-get", []string{"update"}, Stdout("Hit:1\n"))

	ctx := context.Background()

	res, err := Exec(ctx, m, &Command{Program: "apt-get", Args: []string{"update"}})
	require.NoError(t, err)
	assert.Equal(t, "Hit:1\n", res.Stdout)

	_, err = Exec(ctx, m, &Command{Program: "apt-get", Args: []string{"-y", "install", "curl"}})
	code, ok := IsCommandFailure(err)
	assert.True(t, ok)
	assert.Equal(t, 100, code)

	_, err = Exec(ctx, m, &Command{Program: "umount", Args: []string{"/x"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"apt-get update", "apt-get -y install curl", "umount /x"}, m.Commands())
	assert.Len(t, m.Find("apt-get"), 2)
	assert.True(t, m.Ran("apt-get -y install"))
	assert.False(t, m.Ran("mksquashfs"))
	assert.Equal(t, 3, m.CallCount())

	m.Reset()
	assert.Equal(t, 0, m.CallCount())
}

func TestMockRunner_Cancelled(t *testing.T) {
	m := NewMockRunner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Run(ctx, &Command{Program: "apt-get"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, m.CallCount())
}

func TestChrootEnv(t *testing.T) {
	env := ChrootEnv()
	assert.Equal(t, "noninteractive", env["DEBIAN_FRONTEND"])
	assert.Equal(t, "/root", env["HOME"])
}

func TestWriteFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/tree/etc/hosts", []byte("old"), 0444))
	m := NewMockRunner()
	m.On("dd", WriteInto(fs))
	m.On("rm", RemoveFrom(fs))
	ctx := context.Background()

	require.NoError(t, WriteFile(ctx, m, "/tree/etc/hosts", []byte("127.0.0.1 live\n"), time.Minute))
	got, err := afero.ReadFile(fs, "/tree/etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1 live\n", string(got))

	write := m.Find("dd")[0]
	assert.True(t, write.Sudo)
	assert.Equal(t, []string{"of=/tree/etc/hosts", "status=none"}, write.Args)

	require.NoError(t, RemoveFile(ctx, m, "/tree/etc/hosts", time.Minute))
	require.NoError(t, RemoveFile(ctx, m, "/tree/etc/hosts", time.Minute))
	ok, _ := afero.Exists(fs, "/tree/etc/hosts")
	assert.False(t, ok)
	assert.True(t, m.Find("rm")[0].Sudo)
}

func TestWriteFile_Failure(t *testing.T) {
	m := NewMockRunner()
	m.On("dd", ExitCode(1))

	err := WriteFile(context.Background(), m, "/tree/etc/hosts", nil, 0)
	code, ok := IsCommandFailure(err)
	assert.True(t, ok)
	assert.Equal(t, 1, code)
}
