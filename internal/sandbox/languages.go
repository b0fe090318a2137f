// Package sandbox runs untrusted source inside locked-down Docker containers
// and classifies the outcome.
package sandbox

import (
	"fmt"
	"regexp"
	"time"
)

// Language describes how one supported language is compiled and run.
type Language struct {
	Tag     string
	Image   string
	Ext     string
	Compile string // compile or syntax-check command; empty when there is neither
	Run     string

	DefaultTimeout time.Duration
	DefaultMemory  int64
}

const mib = 1024 * 1024

var languages = map[string]Language{
	"javascript": {
		Tag: "javascript", Image: "node:18-alpine", Ext: "js",
		Compile:        "node --check main.js",
		Run:            "node main.js",
		DefaultTimeout: 30 * time.Second, DefaultMemory: 256 * mib,
	},
	"python": {
		Tag: "python", Image: "python:3.11-alpine", Ext: "py",
		Compile:        "python -m py_compile main.py",
		Run:            "python main.py",
		DefaultTimeout: 30 * time.Second, DefaultMemory: 256 * mib,
	},
	"java": {
		Tag: "java", Image: "eclipse-temurin:17-jdk", Ext: "java",
		Compile:        "javac %[1]s.java",
		Run:            "java %[1]s",
		DefaultTimeout: 30 * time.Second, DefaultMemory: 512 * mib,
	},
	"cpp": {
		Tag: "cpp", Image: "gcc:11-alpine", Ext: "cpp",
		Compile:        "g++ -std=c++17 -O2 -o main main.cpp",
		Run:            "./main",
		DefaultTimeout: 45 * time.Second, DefaultMemory: 256 * mib,
	},
	"c": {
		Tag: "c", Image: "gcc:11-alpine", Ext: "c",
		Compile:        "gcc -O2 -o main main.c",
		Run:            "./main",
		DefaultTimeout: 45 * time.Second, DefaultMemory: 256 * mib,
	},
	"go": {
		Tag: "go", Image: "golang:1.22-alpine", Ext: "go",
		Compile:        "go build -o main main.go",
		Run:            "./main",
		DefaultTimeout: 45 * time.Second, DefaultMemory: 256 * mib,
	},
	"rust": {
		Tag: "rust", Image: "rust:1.79-alpine", Ext: "rs",
		Compile:        "rustc -O -o main main.rs",
		Run:            "./main",
		DefaultTimeout: 45 * time.Second, DefaultMemory: 256 * mib,
	},
	"php": {
		Tag: "php", Image: "php:8-alpine", Ext: "php",
		Compile:        "php -l main.php",
		Run:            "php main.php",
		DefaultTimeout: 30 * time.Second, DefaultMemory: 128 * mib,
	},
}

// Lookup returns the configuration for a language tag.
func Lookup(tag string) (Language, bool) {
	l, ok := languages[tag]
	return l, ok
}

// Supported reports whether a language tag is runnable.
func Supported(tag string) bool {
	_, ok := languages[tag]
	return ok
}

// Tags lists the supported language tags.
func Tags() []string {
	out := make([]string, 0, len(languages))
	for tag := range languages {
		out = append(out, tag)
	}
	return out
}

var javaClassRe = regexp.MustCompile(`public\s+class\s+(\w+)`)

// entry resolves the source file name and concrete commands for one request.
// Java sources must live in a file named after their public class; everything
// else uses main.<ext>.
func (l Language) entry(code string) (srcName, compileCmd, runCmd string) {
	name := "main"
	if l.Tag == "java" {
		name = "Main"
		if m := javaClassRe.FindStringSubmatch(code); m != nil {
			name = m[1]
		}
		return name + ".java", fmt.Sprintf(l.Compile, name), fmt.Sprintf(l.Run, name)
	}
	return name + "." + l.Ext, l.Compile, l.Run
}
