package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/jxucoder/microcase/model"
)

func sampleReport() []model.ReportEntry {
	score := 0.8
	ratio := 0.6
	return []model.ReportEntry{
		{
			CommentID:        0,
			SourceFilePath:   "shop/cart.py",
			SourceLineNumber: 3,
			Accepted:         true,
			TutorScore:       &score,
			PassRatio:        &ratio,
			AttemptsExpert:   1,
			AttemptsTutor:    2,
			StageDuration: model.StageDurations{
				Expert: model.DurationStats{Total: 2 * time.Second},
				Tutor:  &model.DurationStats{Total: time.Second},
			},
		},
		{
			CommentID:        1,
			SourceFilePath:   "shop/tax.py",
			SourceLineNumber: 1,
			AttemptsExpert:   2,
		},
	}
}

func TestRenderReport(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	if err := renderReport(&buf, sampleReport()); err != nil {
		t.Fatalf("renderReport: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"shop/cart.py", "shop/tax.py", "0.80", "0.60", "3s", "1/2 accepted (50.0%)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderEmptyReport(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	if err := renderReport(&buf, nil); err != nil {
		t.Fatalf("renderReport: %v", err)
	}
	if !strings.Contains(buf.String(), "0/0 accepted (0.0%)") {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
}

func TestReportCommand(t *testing.T) {
	color.NoColor = true

	path := filepath.Join(t.TempDir(), "script_report.json")
	data, err := json.Marshal(sampleReport())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	reportCmd.SetOut(&buf)
	defer reportCmd.SetOut(nil)
	if err := runReport(reportCmd, []string{path}); err != nil {
		t.Fatalf("runReport: %v", err)
	}
	if !strings.Contains(buf.String(), "shop/cart.py") {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}

	if err := runReport(reportCmd, []string{filepath.Join(t.TempDir(), "missing.json")}); err == nil {
		t.Fatal("expected error for a missing report")
	}
}
