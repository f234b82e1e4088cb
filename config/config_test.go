package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/annotator/logging"
	"go.viam.com/annotator/vision/model"
	"go.viam.com/annotator/vision/objectdetection"
)

const fullConfig = `{
	"smoothing": {"alpha": 0.3},
	"capture": {"max_fps": 15, "min_score": 0.2, "labels": ["person"], "snapshot_dir": "${SNAP_DIR}", "snapshot_every": 10},
	"models": [
		{"name": "blobs", "type": "simple", "attributes": {"threshold": 80, "label": "blob"}},
		{"name": "yolo", "type": "onnx", "attributes": {"model_path": "/models/yolo.onnx"}}
	],
	"default_model": "yolo",
	"log": {"level": "debug", "max_size": "5MB", "patterns": [{"pattern": "annotator.*", "level": "warn"}]}
}`

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "annotator.json")
	test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)
	return path
}

func TestRead(t *testing.T) {
	t.Setenv("SNAP_DIR", "/tmp/snaps")
	path := writeConfig(t, t.TempDir(), fullConfig)

	cfg, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.ConfigFilePath, test.ShouldEqual, path)
	// Unset smoothing fields keep their defaults.
	test.That(t, cfg.Smoothing, test.ShouldResemble, objectdetection.SmoothingConfig{
		Alpha:               0.3,
		ConfidenceThreshold: objectdetection.DefaultConfidenceThreshold,
		MaxCenterDistance:   objectdetection.DefaultMaxCenterDistance,
	})
	test.That(t, cfg.Capture.SnapshotDir, test.ShouldEqual, "/tmp/snaps")
	test.That(t, cfg.Capture.Labels, test.ShouldResemble, []string{"person"})
	test.That(t, cfg.Models, test.ShouldHaveLength, 2)
	test.That(t, cfg.Models[0].Attributes, test.ShouldResemble, model.AttributeMap{"threshold": 80.0, "label": "blob"})
	test.That(t, cfg.DefaultModel, test.ShouldEqual, "yolo")

	mc, ok := cfg.ModelConfig("blobs")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, mc.Type, test.ShouldEqual, model.SimpleType)
	_, ok = cfg.ModelConfig("nope")
	test.That(t, ok, test.ShouldBeFalse)

	mb, err := cfg.Log.MaxSizeMB()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mb, test.ShouldEqual, 5)
	timeout, err := cfg.Capture.HTTPTimeoutDuration()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, timeout, test.ShouldEqual, 5*time.Second)

	_, err = Read(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDefaults(t *testing.T) {
	cfg, err := FromBytes([]byte(`{"models": [{"name": "a", "type": "simple"}]}`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Smoothing, test.ShouldResemble, objectdetection.DefaultSmoothingConfig())
	test.That(t, cfg.DefaultModel, test.ShouldEqual, "a")
	test.That(t, cfg.Log.Level, test.ShouldEqual, "info")
	mb, err := cfg.Log.MaxSizeMB()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mb, test.ShouldEqual, 100)

	appender, err := cfg.Log.FileAppender()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, appender, test.ShouldBeNil)

	test.That(t, Default().Validate(), test.ShouldBeNil)
}

func TestValidationPaths(t *testing.T) {
	for _, tc := range []struct {
		name   string
		config string
		errMsg string
	}{
		{"unknown field", `{"smoothin": {}}`, "unknown field"},
		{"bad alpha", `{"smoothing": {"alpha": 2}}`, "smoothing"},
		{"negative fps", `{"capture": {"max_fps": -1}}`, "capture: max_fps"},
		{"score range", `{"capture": {"min_score": 1.5}}`, "capture: min_score"},
		{"snapshots need dir", `{"capture": {"snapshot_every": 3}}`, `"snapshot_dir" is required`},
		{"bad timeout", `{"capture": {"http_timeout": "soon"}}`, "capture.http_timeout"},
		{"model without name", `{"models": [{"type": "simple"}]}`, `models.0: "name" is required`},
		{"model without type", `{"models": [{"name": "a"}]}`, `models.0: "type" is required`},
		{"duplicate model", `{"models": [{"name": "a", "type": "simple"}, {"name": "a", "type": "simple"}]}`, "models.1: duplicate"},
		{"unknown default", `{"default_model": "ghost"}`, "default_model"},
		{"bad level", `{"log": {"level": "chatty"}}`, "log.level"},
		{"bad size", `{"log": {"max_size": "lots"}}`, "log.max_size"},
		{"bad pattern", `{"log": {"patterns": [{"pattern": "a..b", "level": "info"}]}}`, "log.patterns.0"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromBytes([]byte(tc.config))
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.errMsg)
		})
	}
}

func TestLogConfigApply(t *testing.T) {
	dir := t.TempDir()
	lc := LogConfig{Level: "warn", File: filepath.Join(dir, "annotator.log"), MaxSize: "1MB"}
	test.That(t, lc.Validate("log"), test.ShouldBeNil)

	logger := logging.NewBlankLogger("annotator-config-test")
	test.That(t, lc.Apply(logger), test.ShouldBeNil)
	test.That(t, logger.GetLevel(), test.ShouldEqual, logging.WARN)

	appender, err := lc.FileAppender()
	test.That(t, err, test.ShouldBeNil)
	logger.AddAppender(appender)
	logger.Warn("disk almost full")
	logger.Info("not written")
	test.That(t, logger.Sync(), test.ShouldBeNil)

	buf, err := os.ReadFile(lc.File)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(buf), test.ShouldContainSubstring, "disk almost full")
	test.That(t, string(buf), test.ShouldNotContainSubstring, "not written")
}

func TestWriteRoundTrip(t *testing.T) {
	cfg, err := FromBytes([]byte(`{"models": [{"name": "a", "type": "simple", "attributes": {"threshold": 40}}]}`))
	test.That(t, err, test.ShouldBeNil)
	path := filepath.Join(t.TempDir(), "out.json")
	test.That(t, cfg.Write(path), test.ShouldBeNil)
	again, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	again.ConfigFilePath = ""
	test.That(t, again, test.ShouldResemble, cfg)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"smoothing": {"alpha": 0.2}}`)
	logger := logging.NewTestLogger(t)

	var mu sync.Mutex
	var seen []float64
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- WatchWithDebounce(ctx, path, 20*time.Millisecond, logger, func(cfg *Config) {
			mu.Lock()
			seen = append(seen, cfg.Smoothing.Alpha)
			mu.Unlock()
		})
	}()

	// Keep writing until the watcher has picked up a change; it may not be registered yet.
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, os.WriteFile(path, []byte(`{"smoothing": {"alpha": 0.7}}`), 0o600), test.ShouldBeNil)
		// Unrelated files in the same directory are ignored.
		test.That(tb, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o600), test.ShouldBeNil)
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		test.That(tb, seen, test.ShouldNotBeEmpty)
	})
	// Let reloads still pending from the loop above finish.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	for _, alpha := range seen {
		test.That(t, alpha, test.ShouldEqual, 0.7)
	}
	count := len(seen)
	mu.Unlock()

	// An invalid change is skipped.
	test.That(t, os.WriteFile(path, []byte(`{"smoothing": {"alpha": 9}}`), 0o600), test.ShouldBeNil)
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	test.That(t, len(seen), test.ShouldEqual, count)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
