package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// TestMain lets the test binary stand in for the external tools. Tests link
// it into a search directory under the tool names and the fake is chosen by
// the name it was started as.
func TestMain(m *testing.M) {
	switch filepath.Base(os.Args[0]) {
	case "ffmpeg":
		os.Exit(fakeFFmpeg(os.Args[1:]))
	case "ffprobe":
		fmt.Println("10.0")
		os.Exit(0)
	case "whisper-cli":
		os.Exit(fakeWhisperCLI(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func fakeFFmpeg(args []string) int {
	if len(args) == 0 {
		return 2
	}
	if err := os.WriteFile(args[len(args)-1], []byte("RIFF"), 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func fakeWhisperCLI(args []string) int {
	out := ""
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-of" {
			out = args[i+1]
		}
	}
	fmt.Fprintln(os.Stderr, "whisper_init_from_file_with_params_no_state: loading model")
	fmt.Fprintln(os.Stderr, "main: processing 'audio.wav' (160000 samples, 10.0 sec), 4 threads")
	fmt.Fprintln(os.Stdout, "[00:00:00.000 --> 00:00:04.000]   Good morning.")
	fmt.Fprintln(os.Stderr, "whisper_print_progress_callback: progress =  40%")
	fmt.Fprintln(os.Stdout, "[00:00:04.000 --> 00:00:10.000]   Welcome back.")
	fmt.Fprintln(os.Stderr, "whisper_print_progress_callback: progress = 100%")
	if err := os.WriteFile(out+".txt", []byte("Good morning.\nWelcome back.\n"), 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 3
	}
	return 0
}

// testEnv is a scratch installation: fake tools, a cached tiny tier and a
// config file pointing at both.
type testEnv struct {
	root       string
	configPath string
	modelDir   string
	outputDir  string
}

func newTestEnv(t *testing.T, withTools bool) testEnv {
	t.Helper()
	root := t.TempDir()
	env := testEnv{
		root:       root,
		configPath: filepath.Join(root, "config.toml"),
		modelDir:   filepath.Join(root, "models"),
		outputDir:  filepath.Join(root, "out"),
	}
	binDir := filepath.Join(root, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if withTools {
		linkFakeTools(t, binDir)
	}

	config := fmt.Sprintf(`[paths]
model_dir = %q
output_dir = %q
log_dir = %q

[tools]
search_dirs = [%q]

[transcription]
default_tier = "tiny"

[download]
hub_url = "http://127.0.0.1:1"

[logging]
level = "error"
`, env.modelDir, env.outputDir, filepath.Join(root, "logs"), binDir)
	if err := os.WriteFile(env.configPath, []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}
	return env
}

func linkFakeTools(t *testing.T, dir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tools are linked by name, which needs symlinks")
	}
	self, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"ffmpeg", "ffprobe", "whisper-cli"} {
		if err := os.Symlink(self, filepath.Join(dir, name)); err != nil {
			t.Fatalf("link %s: %v", name, err)
		}
	}
}

// cacheTier makes a tier look downloaded. Only presence is checked.
func (e testEnv) cacheTier(t *testing.T, tier string) {
	t.Helper()
	dir := filepath.Join(e.modelDir, tier)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"ggml-" + tier + ".bin", "ggml-silero-v5.1.2.bin"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("stub"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func (e testEnv) writeMedia(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(e.root, name)
	if err := os.WriteFile(path, []byte("not really media"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// runCLI executes the root command with captured output.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}
