package main

import (
	"fmt"
	"os"

	"peloader"
)

// peloadctl runs a YAML job file describing one or more in-memory PE
// loads, printing a saferwall/pe-backed diagnostic report for each
// file before attempting the load — the generalized replacement for
// the teacher's cmd/main.go, which hardcoded a single Windows path.
func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <jobs.yaml>\n", os.Args[0])
		os.Exit(2)
	}

	cfg, err := loadConfig(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "peloadctl: load config:", err)
		os.Exit(1)
	}

	ops := peloader.NewWindowsPlatform()
	failed := false

	for _, job := range cfg.Jobs {
		if err := runJob(job, ops); err != nil {
			fmt.Fprintf(os.Stderr, "peloadctl: job %s: %v\n", job.Path, err)
			failed = true
			continue
		}
	}

	if failed {
		os.Exit(1)
	}
}

func runJob(job Job, ops peloader.PlatformOps) error {
	mf, err := peloader.OpenFile(job.Path)
	if err != nil {
		return err
	}
	defer mf.Close()

	report, err := peloader.Inspect(mf.Bytes())
	if err != nil {
		fmt.Fprintf(os.Stderr, "peloadctl: %s: diagnostic inspection failed: %v\n", job.Path, err)
	} else {
		fmt.Printf("%s: machine=%#x sections=%v imports=%v tls=%v exports=%v\n",
			job.Path, report.Machine, report.SectionNames, report.ImportedDLLs, report.HasTLS, report.HasExports)
	}

	mod, err := peloader.Load(mf.Bytes(), ops)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	defer mod.Dispose()

	if job.CallExport != "" {
		addr, err := mod.GetFunction(job.CallExport)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", job.CallExport, err)
		}
		if _, err := ops.Call(addr); err != nil {
			return fmt.Errorf("call %s at %#x: %w", job.CallExport, addr, err)
		}
	}

	if job.RunEntry {
		ret, err := mod.CallEntry()
		if err != nil {
			return fmt.Errorf("call entry: %w", err)
		}
		fmt.Printf("%s: entry returned %d\n", job.Path, ret)
	}

	if job.Notify != 0 {
		if _, err := mod.NotifyEntry(job.Notify); err != nil {
			return fmt.Errorf("notify reason %#x: %w", job.Notify, err)
		}
	}

	fmt.Printf("%s: loaded at %#x\n", job.Path, mod.CodeBase())
	return nil
}
