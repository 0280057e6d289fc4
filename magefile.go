//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Default target to run when none is specified
// If not set, running mage will list available targets
var Default = Build

var binaries = map[string]string{
	"cmd/server": "parlo-call-server",
	"cmd/cli":    "parlo-cli",
}

// explicitly reinstall all deps
func Deps() error {
	return installTools()
}

// builds the server and the cli
func Build() error {
	mg.Deps(generateWire)

	fmt.Println("building...")
	if err := os.MkdirAll("bin", 0755); err != nil {
		return err
	}
	for dir, name := range binaries {
		if err := sh.RunV("go", "build", "-o", "bin/"+name, "./"+dir); err != nil {
			return err
		}
	}
	return nil
}

// builds binaries that run on linux amd64
func BuildLinux() error {
	mg.Deps(generateWire)

	fmt.Println("building...")
	if err := os.MkdirAll("bin", 0755); err != nil {
		return err
	}
	env := map[string]string{
		"GOOS":   "linux",
		"GOARCH": "amd64",
	}
	for dir, name := range binaries {
		if err := sh.RunWithV(env, "go", "build", "-buildvcs=false", "-o", "bin/"+name+"-amd64", "./"+dir); err != nil {
			return err
		}
	}
	return nil
}

// run unit tests, skipping loopback media tests
func Test() error {
	mg.Deps(generateWire)
	return sh.RunV("go", "test", "-short", "./...", "-count=1")
}

// run all tests with the race detector
func TestAll() error {
	mg.Deps(generateWire)
	return sh.RunV("go", "test", "-race", "./...", "-count=1", "-timeout=4m", "-v")
}

// cleans up builds
func Clean() {
	fmt.Println("cleaning...")
	_ = os.RemoveAll("bin")
}

// regenerate code
func Generate() error {
	mg.Deps(generateWire)

	fmt.Println("generating...")
	return sh.RunV("go", "generate", "./...")
}

// code generation for wiring
func generateWire() error {
	mg.Deps(installTools)

	fmt.Println("wiring...")
	return sh.RunV("wire", "./pkg/service")
}

func installTools() error {
	tools := []string{
		"github.com/google/wire/cmd/wire@latest",
	}
	for _, t := range tools {
		if err := sh.RunV("go", "install", t); err != nil {
			return err
		}
	}
	return nil
}
