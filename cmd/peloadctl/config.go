package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Job describes one PE load: the file to map, and what to do with it
// once loaded — call a named export, run an EXE's entry point, or send
// a DLL a further attach/detach-style notification by reason code.
type Job struct {
	Path       string  `yaml:"path"`
	CallExport string  `yaml:"call_export,omitempty"`
	RunEntry   bool    `yaml:"run_entry,omitempty"`
	Notify     uintptr `yaml:"notify,omitempty"`
}

// Config is the top-level job file cmd/peloadctl reads, generalizing
// the teacher's cmd/main.go hardcoded single path into data.
type Config struct {
	Jobs []Job `yaml:"jobs"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
