package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTuning(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	p := writeTuning(t, "fps: 30\nmax_prediction: 12\n")
	got, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Defaults()
	want.FPS = 30
	want.MaxPrediction = 12
	if got != want {
		t.Fatalf("Load=%+v, want %+v", got, want)
	}
}

func TestLoad_RepoConfigIsValid(t *testing.T) {
	got, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.FPS != 60 {
		t.Fatalf("FPS=%d, want 60", got.FPS)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !os.IsNotExist(err) {
		t.Fatalf("err=%v, want not-exist", err)
	}
}

func TestLoad_EmptyFileIsDefaults(t *testing.T) {
	got, err := Load(writeTuning(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != Defaults() {
		t.Fatalf("Load=%+v, want defaults", got)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"zero fps", "fps: 0\n", "fps"},
		{"unknown key", "tick_rate_hz: 5\n", "tick_rate_hz"},
		{"wrong type", "max_prediction: many\n", "max_prediction"},
		{"check distance too far", "max_prediction: 4\ncheck_distance: 4\n", "check_distance"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTuning(t, tc.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("ROLLBACK_FPS", "120")
	t.Setenv("ROLLBACK_VERBOSE", "true")
	got, err := Load(writeTuning(t, "fps: 30\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.FPS != 120 || !got.Verbose {
		t.Fatalf("FPS=%d Verbose=%v, want 120 true", got.FPS, got.Verbose)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("ROLLBACK_MAX_STEPS_PER_TICK", "4")
	got, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if got.MaxStepsPerTick != 4 || got.FPS != 60 {
		t.Fatalf("FromEnv=%+v", got)
	}

	t.Setenv("ROLLBACK_FPS", "fast")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error for non-numeric ROLLBACK_FPS")
	}

	t.Setenv("ROLLBACK_FPS", "-3")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected schema error for negative fps")
	}
}
