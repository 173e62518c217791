// internal/provision/stage/stage.go

// Package stage writes a set of configuration files through a
// command.Runner and can put them back when a syntax check rejects them.
package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/FairForge/hostplane/internal/command"
)

// File is one file the caller wants on disk.
type File struct {
	Path string
	Data []byte
	Mode fs.FileMode
}

type fileChange struct {
	path     string
	previous []byte
	existed  bool
	written  bool
}

// Transaction records what staging overwrote so a failed syntax check can
// put the host back the way it was.
type Transaction struct {
	r           command.Runner
	files       []fileChange
	linkPath    string
	linkCreated bool
}

// Write puts every desired file whose content differs and creates the
// enable link when linkPath is set and missing. A failure part way rolls
// back what was written.
func Write(ctx context.Context, r command.Runner, desired []File, linkTarget, linkPath string) (*Transaction, error) {
	tx := &Transaction{r: r, linkPath: linkPath}
	for _, f := range desired {
		prev, err := r.ReadFile(ctx, f.Path)
		existed := err == nil
		if err != nil && !command.IsNotExist(err) {
			return nil, errors.Join(fmt.Errorf("read %s: %w", f.Path, err), tx.Rollback(ctx))
		}
		change := fileChange{path: f.Path, previous: prev, existed: existed}
		if existed && bytes.Equal(prev, f.Data) {
			tx.files = append(tx.files, change)
			continue
		}
		if err := r.WriteFile(ctx, f.Path, f.Data, f.Mode); err != nil {
			return nil, errors.Join(fmt.Errorf("write %s: %w", f.Path, err), tx.Rollback(ctx))
		}
		change.written = true
		tx.files = append(tx.files, change)
	}

	if linkPath != "" {
		exists, err := r.Exists(ctx, linkPath)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("stat %s: %w", linkPath, err), tx.Rollback(ctx))
		}
		if !exists {
			if err := r.Symlink(ctx, linkTarget, linkPath); err != nil {
				return nil, errors.Join(fmt.Errorf("enable %s: %w", linkPath, err), tx.Rollback(ctx))
			}
			tx.linkCreated = true
		}
	}
	return tx, nil
}

// Changed reports whether anything on disk differs from before.
func (t *Transaction) Changed() bool {
	if t.linkCreated {
		return true
	}
	for _, f := range t.files {
		if f.written {
			return true
		}
	}
	return false
}

// Wrote reports whether path was (re)written.
func (t *Transaction) Wrote(path string) bool {
	for _, f := range t.files {
		if f.path == path {
			return f.written
		}
	}
	return false
}

// Created reports whether path did not exist before.
func (t *Transaction) Created(path string) bool {
	for _, f := range t.files {
		if f.path == path {
			return f.written && !f.existed
		}
	}
	return false
}

// Rollback restores previous contents and removes what did not exist.
// It runs detached from ctx so a cancelled request still cleans up.
func (t *Transaction) Rollback(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if t.linkCreated {
		if err := t.r.Remove(ctx, t.linkPath); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(t.files) - 1; i >= 0; i-- {
		f := t.files[i]
		if !f.written {
			continue
		}
		var err error
		if f.existed {
			err = t.r.WriteFile(ctx, f.path, f.previous, 0o644)
		} else {
			err = t.r.Remove(ctx, f.path)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", f.path, err))
		}
	}
	return errors.Join(errs...)
}
