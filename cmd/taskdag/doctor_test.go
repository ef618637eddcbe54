package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskdag/internal/doctor"
)

func TestRunDoctorCommand_HealthyHome(t *testing.T) {
	setTestConfig(t, "127.0.0.1:0")

	if code := runDoctorCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if code := runDoctorCommand(context.Background(), []string{"-json"}); code != 0 {
		t.Fatalf("json: got exit code %d, want 0", code)
	}
}

func TestRunDoctorCommand_InvalidConfigFails(t *testing.T) {
	setTestConfig(t, "no-port")

	if code := runDoctorCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunDoctorCommand_UnknownFlag(t *testing.T) {
	if code := runDoctorCommand(context.Background(), []string{"--verbose"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestPrintDiagnosis_Plain(t *testing.T) {
	diag := doctor.Diagnosis{
		Timestamp: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC),
		System:    doctor.SystemInfo{OS: "linux", Arch: "amd64", Go: "go1.24.1"},
		Results: []doctor.CheckResult{
			{Name: "Database", Status: "PASS", Message: "Connection and schema valid", Detail: "tasks=3"},
			{Name: "Telemetry", Status: "SKIP", Message: "Telemetry disabled"},
		},
	}
	var buf bytes.Buffer
	printDiagnosis(&buf, diag, false)
	out := buf.String()

	for _, want := range []string{
		"taskdag doctor report (2026-10-17T09:00:00Z)",
		"System: linux/amd64 (go1.24.1)",
		"PASS Database",
		"     tasks=3",
		"SKIP Telemetry",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain output contains escape codes:\n%s", out)
	}
}
