// internal/command/fake.go
package command

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
)

// Fake is an in-memory Runner for tests. Commands succeed with empty output
// unless a rule registered with On or OnFunc matches their rendered prefix.
type Fake struct {
	mu    sync.Mutex
	name  string
	Files map[string][]byte
	Modes map[string]fs.FileMode
	Links map[string]string
	Calls []Command
	rules []fakeRule
}

type fakeRule struct {
	prefix string
	fn     func(Command) (Result, error)
}

// NewFake creates an empty fake named name.
func NewFake(name string) *Fake {
	if name == "" {
		name = "fake"
	}
	return &Fake{
		name:  name,
		Files: make(map[string][]byte),
		Modes: make(map[string]fs.FileMode),
		Links: make(map[string]string),
	}
}

// On answers commands starting with prefix with res. A non-zero exit code
// turns into an *ExitError. Later rules win over earlier ones.
func (f *Fake) On(prefix string, res Result) *Fake {
	return f.OnFunc(prefix, func(cmd Command) (Result, error) {
		if res.ExitCode != 0 {
			return res, &ExitError{Command: cmd.String(), Result: res}
		}
		return res, nil
	})
}

// OnFunc answers commands starting with prefix with fn.
func (f *Fake) OnFunc(prefix string, fn func(Command) (Result, error)) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{prefix: prefix, fn: fn})
	return f
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) Run(ctx context.Context, cmd Command) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1}, timeoutError(cmd, err)
	}
	f.mu.Lock()
	f.Calls = append(f.Calls, cmd)
	line := cmd.String()
	var match func(Command) (Result, error)
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(line, f.rules[i].prefix) {
			match = f.rules[i].fn
			break
		}
	}
	f.mu.Unlock()

	if match == nil {
		return Result{}, nil
	}
	return match(cmd)
}

// Commands lists every executed command line in order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = c.String()
	}
	return out
}

// Count reports how many executed command lines start with prefix.
func (f *Fake) Count(prefix string) int {
	n := 0
	for _, line := range f.Commands() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// Ran reports whether any executed command line starts with prefix.
func (f *Fake) Ran(prefix string) bool { return f.Count(prefix) > 0 }

// Index returns the position of the first command starting with prefix, or -1.
func (f *Fake) Index(prefix string) int {
	for i, line := range f.Commands() {
		if strings.HasPrefix(line, prefix) {
			return i
		}
	}
	return -1
}

// Paths lists stored files and links, sorted.
func (f *Fake) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Files)+len(f.Links))
	for p := range f.Files {
		out = append(out, p)
	}
	for p := range f.Links {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (f *Fake) WriteFile(_ context.Context, path string, data []byte, mode fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files[path] = append([]byte(nil), data...)
	f.Modes[path] = mode
	return nil
}

func (f *Fake) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Files[path]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", path, fs.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

func (f *Fake) Remove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Files, path)
	delete(f.Modes, path)
	delete(f.Links, path)
	return nil
}

func (f *Fake) Exists(_ context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Files[path]; ok {
		return true, nil
	}
	_, ok := f.Links[path]
	return ok, nil
}

func (f *Fake) Symlink(_ context.Context, target, link string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Links[link] = target
	return nil
}
