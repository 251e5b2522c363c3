package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/skillforge/internal/config"
	"github.com/basket/skillforge/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	// A failed load is itself diagnosed; the checks run on what did load.
	cfg, err := config.Load()
	diag := doctor.Run(ctx, &cfg, err, Version)

	if jsonOutput {
		if code := writeJSON(os.Stdout, diag); code != 0 {
			return code
		}
		if diag.Failed() {
			return 1
		}
		return 0
	}
	writeDiagnosis(os.Stdout, diag)
	if diag.Failed() {
		return 1
	}
	return 0
}

func writeDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "Skillforge Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(w, "---")

	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case doctor.StatusFail:
			icon = "❌"
		case doctor.StatusWarn:
			icon = "⚠️ "
		case doctor.StatusSkip:
			icon = "⏩"
		}
		fmt.Fprintf(w, "%s %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "    %s\n", res.Detail)
		}
	}
}
