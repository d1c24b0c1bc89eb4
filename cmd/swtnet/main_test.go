package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug", "json"); err != nil {
		t.Fatalf("debug/json: %v", err)
	}
	if _, err := newLogger("loud", "text"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func writeGradient(t *testing.T, path string, size int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 7), uint8(y * 5), uint8((x * y) % 251), 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestInspect(t *testing.T) {
	t.Setenv("SWTNET_BLOCKS", "1,1,1,1")
	path := filepath.Join(t.TempDir(), "sample.png")
	writeGradient(t, path, 40)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"inspect",
		"--image-size", "32", "--base-width", "4", "--num-classes", "3",
		"--log-level", "error", "--image", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("inspect: %v", err)
	}

	got := out.String()
	for _, want := range []string{`"name": "layer4"`, `"total_parameters"`, "source", "L1", "L4"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "constant:") {
		t.Errorf("gradient image reported constant levels:\n%s", got)
	}
}

func TestPredictRequiresSnapshot(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"predict", "--log-level", "error", "x.png"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "--snapshot") {
		t.Fatalf("expected snapshot error, got %v", err)
	}
}
