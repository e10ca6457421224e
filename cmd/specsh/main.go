// Command specsh is an interactive shell for SPEC servers.
//
// It connects to a server, or scans the server port range for one, and
// offers a command prompt for running commands, reading and writing
// properties, watching change events, moving motors and counting.
//
// Usage:
//
//	specsh [flags]
//
// Flags:
//
//	-host string       Server host (default "127.0.0.1")
//	-port int          Server port; 0 scans the default port range
//	-name string       Client name announced to the server
//	-config string     Profile file path (default "$HOME/.specsh.yaml")
//	-profile string    Profile to load from the profile file
//	-log-level string  Log level: debug, info, warn, error (default "warn")
//
// A profile file maps names to session settings so frequently used
// servers do not need flags:
//
//	default: beamline
//	profiles:
//	  beamline:
//	    host: spec1.example.edu
//	    port: 6510
//	    client-name: specsh
//
// Flags override profile values.
//
// Examples:
//
//	# Scan localhost for a server
//	specsh
//
//	# Connect to a specific server
//	specsh -host spec1.example.edu -port 6510
//
//	# Use a named profile
//	specsh -profile beamline
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/SEBv15/go-certifspec/cmd/specsh/interactive"
	"github.com/SEBv15/go-certifspec/logger"
	"github.com/SEBv15/go-certifspec/spec"
)

// Config holds the resolved session settings.
type Config struct {
	Host       string
	Port       int
	ClientName string
	ConfigFile string
	Profile    string
	LogLevel   string
}

var config Config

func init() {
	flag.StringVar(&config.Host, "host", "", "Server host")
	flag.IntVar(&config.Port, "port", 0, "Server port; 0 scans the default port range")
	flag.StringVar(&config.ClientName, "name", "", "Client name announced to the server")
	flag.StringVar(&config.ConfigFile, "config", "", "Profile file path")
	flag.StringVar(&config.Profile, "profile", "", "Profile to load from the profile file")
	flag.StringVar(&config.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()

	if err := applyProfile(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	applyDefaults()

	log := logger.NewSlog(parseLevel(config.LogLevel), false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	opts := []spec.ConnOption{spec.WithLogger(log)}
	if config.ClientName != "" {
		opts = append(opts, spec.WithClientName(config.ClientName))
	}

	var (
		client *spec.Client
		err    error
	)
	if config.Port > 0 {
		client, err = spec.Connect(ctx, config.Host, config.Port, opts...)
	} else {
		fmt.Printf("Scanning %s for a server...\n", config.Host)
		client, err = spec.Discover(ctx, config.Host, opts...)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	shell, err := interactive.New(client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	shell.Run(ctx, cancel)
}

// profileFile is the on-disk layout of -config files.
type profileFile struct {
	Default  string             `yaml:"default"`
	Profiles map[string]profile `yaml:"profiles"`
}

type profile struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	ClientName string `yaml:"client-name"`
	LogLevel   string `yaml:"log-level"`
}

// applyProfile fills settings the flags left unset from the profile file.
// A missing default profile file is not an error; a -config or -profile
// given explicitly must resolve.
func applyProfile() error {
	path := config.ConfigFile
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(home, ".specsh.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			if config.Profile != "" {
				return fmt.Errorf("profile %q requested but %s does not exist", config.Profile, path)
			}
			return nil
		}
		return err
	}

	p, err := resolveProfile(data, config.Profile)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if config.Host == "" {
		config.Host = p.Host
	}
	if config.Port == 0 {
		config.Port = p.Port
	}
	if config.ClientName == "" {
		config.ClientName = p.ClientName
	}
	if config.LogLevel == "" {
		config.LogLevel = p.LogLevel
	}

	return nil
}

// resolveProfile parses a profile file and selects name, or the file's
// default profile when name is empty. An empty name with no default
// resolves to an empty profile.
func resolveProfile(data []byte, name string) (profile, error) {
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return profile{}, fmt.Errorf("failed to parse profile file: %w", err)
	}

	if name == "" {
		name = file.Default
	}
	if name == "" {
		return profile{}, nil
	}

	p, ok := file.Profiles[name]
	if !ok {
		return profile{}, fmt.Errorf("profile %q not found", name)
	}

	return p, nil
}

func applyDefaults() {
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	if config.LogLevel == "" {
		config.LogLevel = "warn"
	}
}

func parseLevel(s string) logger.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logger.DebugLevel
	case "info":
		return logger.InfoLevel
	case "warn", "warning":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	default:
		return logger.WarnLevel
	}
}
